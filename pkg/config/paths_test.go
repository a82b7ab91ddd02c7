package config

import "testing"

func TestRuntimePathsLayout(t *testing.T) {
	p := NewRuntimePaths("/run/finitd")
	if p.CondDir() != "/run/finitd/cond" {
		t.Errorf("CondDir = %s", p.CondDir())
	}
	if p.ReconfPath() != "/run/finitd/reconf" {
		t.Errorf("ReconfPath = %s", p.ReconfPath())
	}
	if p.SockPath() != "/run/finitd/finitd.sock" {
		t.Errorf("SockPath = %s", p.SockPath())
	}
	if p.PidFile("sshd") != "/run/sshd.pid" {
		t.Errorf("PidFile = %s", p.PidFile("sshd"))
	}
}

func TestDefaultRuntimePaths(t *testing.T) {
	if DefaultRuntimePaths().Root != "/run/finitd" {
		t.Errorf("Root = %s", DefaultRuntimePaths().Root)
	}
}
