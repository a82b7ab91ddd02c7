package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sunlightlinux/finitd/pkg/svc"
)

func writeConf(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func TestLoadDirParsesMultipleFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "10-syslog.conf", "service [2345] /sbin/syslogd -- System logger\n")
	writeConf(t, dir, "20-network.conf", "task [S] /sbin/ifup eth0\n# a comment\n\nrun [S] /sbin/hostname foo\n")

	defs, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(defs) != 3 {
		t.Fatalf("got %d definitions, want 3: %+v", len(defs), defs)
	}
	if defs[0].ID.Cmd != "/sbin/syslogd" || defs[0].Kind != svc.KindService {
		t.Errorf("defs[0] = %+v", defs[0])
	}
	if defs[1].ID.Cmd != "/sbin/ifup" || defs[1].Kind != svc.KindTask {
		t.Errorf("defs[1] = %+v", defs[1])
	}
	if defs[2].ID.Cmd != "/sbin/hostname" || defs[2].Kind != svc.KindRun {
		t.Errorf("defs[2] = %+v", defs[2])
	}
}

func TestLoadDirIgnoresNonConfFiles(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "keep.conf", "task [S] /bin/true\n")
	writeConf(t, dir, "README.md", "not a config file\n")

	defs, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("got %d definitions, want 1", len(defs))
	}
}

func TestLoadFileRejectsUnknownStanza(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "bad.conf", "daemon /bin/true\n")

	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected an error for an unknown stanza")
	}
	perr, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
	if perr.Line != 1 {
		t.Errorf("Line = %d, want 1", perr.Line)
	}
}

func TestLoadFilePropagatesDirectiveErrors(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "bad.conf", "service [2345] @no-such-user-xyz /bin/true\n")

	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected an error for an unresolvable user")
	}
}

func TestLoadMissingDirReturnsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Error("expected an error for a missing directory")
	}
}
