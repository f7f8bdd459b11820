/*
Package security provides cryptographic services for the kernel agent.

This package implements three core security capabilities: secrets encryption
using AES-256-GCM, a Certificate Authority (CA) for mutual TLS (mTLS), and
certificate lifecycle management. Together, these components secure the
agent's own sensitive data and the RPC channel between the agent and its
control plane.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                    Security Architecture                    │
	└─────┬───────────────────────┬──────────────────┬────────────┘
	      │                       │                  │
	      ▼                       ▼                  ▼
	┌─────────────┐      ┌────────────────┐   ┌──────────────┐
	│   Secrets   │      │       CA       │   │ Certificate  │
	│ Encryption  │      │  (Root only)   │   │  Management  │
	└─────┬───────┘      └────────┬───────┘   └──────┬───────┘
	      │                       │                   │
	      ▼                       ▼                   ▼
	  AES-256-GCM         RSA 4096-bit          90-day node certs
	  kernel artifacts    10-year validity      CertNeedsRotation

## Agent Encryption Key

All at-rest encryption is rooted in the agent encryption key, a 32-byte key
derived from the agent's instance ID during bootstrap:

	agentKey = SHA-256(instanceID)  // 32 bytes for AES-256

This key encrypts the CA's root private key as it sits on disk under the
agent's certificate directory. It is held only in process memory and is
recomputed deterministically from the instance ID on every restart, so it
never needs its own backup.

# Secrets Encryption

## SecretsManager

SecretsManager encrypts and decrypts secrets (e.g. credentials written into
a kernel's scratch directory) using AES-256 in Galois/Counter Mode (GCM),
providing authenticated encryption:

	Plaintext → AES-256-GCM → Ciphertext + Authentication Tag
	                ↑
	            32-byte key

Key features:
  - Authenticated encryption (integrity + confidentiality)
  - Random nonce per encryption (no nonce reuse)
  - Fast performance (~100MB/s on modern CPUs)

## Encryption Process

 1. Generate random 12-byte nonce
 2. Encrypt plaintext with AES-256-GCM
 3. Prepend nonce to ciphertext
 4. Store combined bytes: [nonce || ciphertext || tag]

Decryption reverses the process:

 1. Extract nonce (first 12 bytes)
 2. Extract ciphertext + tag (remaining bytes)
 3. Decrypt and verify authentication tag
 4. Return plaintext or error if tampered

# Certificate Authority

## Root CA

The agent's CA uses a hierarchical structure with a long-lived root
certificate, generated once and persisted under the certificate directory:

	Root CA (self-signed)
	├── 10-year validity
	├── RSA 4096-bit key (high security)
	├── KeyUsage: CertSign, CRLSign
	└── Subject: CN=backend.ai-agent Root CA, O=backend.ai-agent

	Root Certificate: stored on disk (plaintext, public)
	Root Private Key: stored on disk (encrypted with the agent key)

## Node Certificates

The CA issues a server certificate for the agent's own RPC listener and
client certificates for operators or control-plane peers:

	Node Certificate
	├── 90-day validity
	├── RSA 2048-bit key (faster operations)
	├── KeyUsage: DigitalSignature, KeyEncipherment
	├── ExtKeyUsage: ServerAuth, ClientAuth
	├── Subject: CN={role}-{id}, O=backend.ai-agent
	├── DNS Names: [agent hostname]
	└── IP Addresses: [agent IP]

## Client Certificates

	CLI Certificate
	├── 90-day validity
	├── KeyUsage: DigitalSignature, KeyEncipherment
	├── ExtKeyUsage: ClientAuth
	└── Subject: CN=cli-{clientID}, O=backend.ai-agent

# Usage Examples

## Creating a Secrets Manager

	import "github.com/tlqaksqhr/backend.ai-agent/pkg/security"

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}

	sm, err := security.NewSecretsManager(key)
	if err != nil {
		panic(err)
	}

	// Or derive one from a password
	sm, err = security.NewSecretsManagerFromPassword("my-instance-secret")

## Encrypting and Decrypting Secrets

	ciphertext, err := sm.EncryptSecret([]byte("super-secret-password"))
	if err != nil {
		panic(err)
	}

	decrypted, err := sm.DecryptSecret(ciphertext)
	if err != nil {
		panic(err) // tampering detected or wrong key
	}

## Setting Up the Certificate Authority

	import "github.com/tlqaksqhr/backend.ai-agent/pkg/security"

	// Set the agent encryption key (required before loading or saving the CA)
	agentKey := security.DeriveKeyFromInstanceID(instanceID)
	if err := security.SetAgentEncryptionKey(agentKey); err != nil {
		panic(err)
	}

	certDir, _ := security.GetCertDir("agent", instanceID)
	ca := security.NewCertAuthority(certDir)

	if security.CertExists(certDir) {
		if err := ca.LoadFromDir(); err != nil {
			panic(err)
		}
	} else {
		if err := ca.Initialize(); err != nil {
			panic(err)
		}
		if err := ca.SaveToDir(); err != nil {
			panic(err)
		}
	}

## Issuing the Agent's Server Certificate

	dnsNames := []string{"localhost"}
	ipAddresses := []net.IP{net.ParseIP("127.0.0.1")}

	tlsCert, err := ca.IssueNodeCertificate(instanceID, "agent", dnsNames, ipAddresses)
	if err != nil {
		panic(err)
	}

	if err := security.SaveCertToFile(tlsCert, certDir); err != nil {
		panic(err)
	}

## Verifying Certificates

	err = ca.VerifyCertificate(cert)
	if err != nil {
		// certificate invalid or not issued by this CA
		panic(err)
	}

## Certificate Rotation

	if security.CertNeedsRotation(cert) {
		newTLSCert, err := ca.IssueNodeCertificate(instanceID, "agent", dnsNames, ipAddresses)
		if err != nil {
			panic(err)
		}
		if err := security.SaveCertToFile(newTLSCert, certDir); err != nil {
			panic(err)
		}
	}

# Integration Points

## RPC Server Integration

The RPC listener uses mTLS with CA-issued certificates:

	// Server side
	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{agentCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    certPool, // contains the root CA
	})

	// Client side (control plane / CLI)
	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      certPool,
	})

This ensures every RPC connection is encrypted (TLS 1.2+) and mutually
authenticated, and that unsigned certificates are rejected outright.

# Design Patterns

## Authenticated Encryption

GCM mode provides both confidentiality and integrity; a modified ciphertext,
wrong key, or wrong nonce all fail decryption rather than silently producing
garbage plaintext.

## Hierarchical PKI

	Root CA (trust anchor)
	└── Node/Client Certificates (issued by root)

The root key is used only to issue certificates and otherwise stays idle on
disk, encrypted.

## Key Derivation

	agentKey = SHA-256(instanceID)

Same instance ID, same key, recomputed on every restart without needing any
separate key backup.

## Certificate Caching

Issued certificates are recorded in memory by ID and can be looked up
with GetCachedCert. Issuing does not consult this record: every call
generates a fresh key and replaces the entry for that ID.

# Security Considerations

## Key Management

The agent encryption key is derived from the instance ID, so compromising
the instance ID compromises the encrypted CA key. Certificates expire after
90 days (nodes) or 10 years (root); CertNeedsRotation signals when an
operator-driven rotation is due, since this package does not schedule one
itself.

## Threat Model

Protects against network eavesdropping (TLS), unauthorized access (mTLS),
secret tampering (authenticated encryption), and impersonation (CA-signed
certificates). Does not protect against a compromised instance ID, a
compromised CA private key, or physical access to a host that can read
process memory.
*/
package security
