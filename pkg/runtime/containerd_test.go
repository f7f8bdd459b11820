package runtime

import "testing"

func TestCPUSetString(t *testing.T) {
	cases := []struct {
		in   []int
		want string
	}{
		{nil, ""},
		{[]int{0}, "0"},
		{[]int{0, 1, 2}, "0,1,2"},
	}
	for _, c := range cases {
		if got := cpuSetString(c.in); got != c.want {
			t.Errorf("cpuSetString(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestToOCIMounts(t *testing.T) {
	mounts := toOCIMounts([]MountSpec{
		{HostPath: "/vfolders/home", ContainerPath: "/home/work/home", ReadOnly: false},
		{HostPath: "/etc/resolv.conf", ContainerPath: "/etc/resolv.conf", ReadOnly: true},
	})
	if len(mounts) != 2 {
		t.Fatalf("len(mounts) = %d, want 2", len(mounts))
	}
	if mounts[0].Options[0] != "rw" {
		t.Errorf("mounts[0] options = %v, want rw first", mounts[0].Options)
	}
	if mounts[1].Options[0] != "ro" {
		t.Errorf("mounts[1] options = %v, want ro first", mounts[1].Options)
	}
}
