package api

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/kernel"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/security"
)

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

// Server is the agent's mTLS RPC listener, dispatching into Service via the
// msgpack-coded Call envelope (spec §2/§6).
type Server struct {
	grpc *grpc.Server
}

// NewServer builds the RPC server, rooting a local CertAuthority at certDir
// and issuing (or loading, on restart) this agent's own node certificate.
// The agent has no cluster manager to request a certificate from, so unlike
// the teacher's manager-issued-by-cluster-CA flow, it is its own CA (spec
// §4.12 bootstrap, pkg/security's agent-domain rewrite).
func NewServer(nodeID, certDir string, registry *kernel.Registry, svc AgentControlServer) (*Server, error) {
	ca := security.NewCertAuthority(certDir)
	if security.CertExists(certDir) {
		if err := ca.LoadFromDir(); err != nil {
			return nil, fmt.Errorf("load agent CA: %w", err)
		}
	} else {
		if err := ca.Initialize(); err != nil {
			return nil, fmt.Errorf("initialize agent CA: %w", err)
		}
		if err := ca.SaveToDir(); err != nil {
			return nil, fmt.Errorf("save agent CA: %w", err)
		}
	}

	cert, err := ca.IssueNodeCertificate(nodeID, "agent", []string{nodeID}, nil)
	if err != nil {
		return nil, fmt.Errorf("issue agent certificate: %w", err)
	}
	if err := security.SaveCertToFile(cert, certDir); err != nil {
		return nil, fmt.Errorf("save agent certificate: %w", err)
	}
	if err := security.SaveCACertToFile(ca.GetRootCACert(), certDir); err != nil {
		return nil, fmt.Errorf("save agent CA certificate: %w", err)
	}

	certPool := x509.NewCertPool()
	rootCert, err := x509.ParseCertificate(ca.GetRootCACert())
	if err != nil {
		return nil, fmt.Errorf("parse agent CA certificate: %w", err)
	}
	certPool.AddCert(rootCert)

	tlsConfig := &tls.Config{
		ClientAuth:   tls.RequestClientCert,
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    certPool,
		MinVersion:   tls.VersionTLS13,
	}

	grpcServer := grpc.NewServer(
		grpc.Creds(credentials.NewTLS(tlsConfig)),
		grpc.ForceServerCodec(msgpackCodec{}),
		grpc.ChainUnaryInterceptor(TouchLastUsedInterceptor(registry)),
	)
	RegisterAgentControlServer(grpcServer, svc)

	return &Server{grpc: grpcServer}, nil
}

// Start starts the gRPC server; it blocks until Stop is called or the
// listener fails.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}
