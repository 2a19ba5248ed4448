package gateway

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"lab-sandbox/internal/catalog"
	"lab-sandbox/internal/lifecycle"
	"lab-sandbox/internal/sandbox/sandboxtest"
)

func TestUpload(t *testing.T) {
	f := newFixture(t)
	inst := f.start(t, "py")
	ctx := context.Background()

	content := []byte("def helper():\n    return 42\n")
	res, err := f.gw.Upload(ctx, UploadRequest{InstanceID: inst.ID, Name: "helper.py", Content: bytes.NewReader(content)})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if res.Path != "/workspace/helper.py" || res.Size != len(content) || res.Role != catalog.RoleRuntime || len(res.SHA256) != 64 {
		t.Errorf("result = %+v", res)
	}
	if got, ok := f.driver.File(inst.Containers[0].ID, "/workspace/helper.py"); !ok || !bytes.Equal(got, content) {
		t.Errorf("stored file = %q, %v", got, ok)
	}

	rec := f.sink.last(t)
	if rec.Action != ActionUpload || rec.Status != StatusSuccess || rec.InputBytes != len(content) || rec.CommandHash != res.SHA256 {
		t.Errorf("record = %+v", rec)
	}

	// Uploading again replaces the file.
	if _, err := f.gw.Upload(ctx, UploadRequest{InstanceID: inst.ID, Name: "helper.py", Content: strings.NewReader("pass\n")}); err != nil {
		t.Fatalf("second Upload() error = %v", err)
	}
	if got, _ := f.driver.File(inst.Containers[0].ID, "/workspace/helper.py"); string(got) != "pass\n" {
		t.Errorf("replaced file = %q", got)
	}
}

func TestUpload_DefaultsToTmp(t *testing.T) {
	f := newFixture(t)
	inst := f.start(t, "range")

	res, err := f.gw.Upload(context.Background(), UploadRequest{
		InstanceID: inst.ID,
		Name:       "capture.pcap",
		Role:       catalog.RoleTarget,
		Content:    strings.NewReader("pcap"),
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if res.Path != "/tmp/capture.pcap" || res.Role != catalog.RoleTarget {
		t.Errorf("result = %+v", res)
	}
	target, _ := inst.Container(catalog.RoleTarget)
	if _, ok := f.driver.File(target.ID, "/tmp/capture.pcap"); !ok {
		t.Error("file not stored in the target container")
	}
}

func TestUpload_Rejects(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxUploadBytes = 16 })
	py := f.start(t, "py")
	rng := f.start(t, "range")

	tests := []struct {
		name string
		req  UploadRequest
		want error
	}{
		{"empty name", UploadRequest{InstanceID: py.ID, Content: strings.NewReader("x")}, ErrInvalidRequest},
		{"nested path", UploadRequest{InstanceID: py.ID, Name: "a/b.txt", Content: strings.NewReader("x")}, ErrInvalidRequest},
		{"parent dir", UploadRequest{InstanceID: py.ID, Name: "..", Content: strings.NewReader("x")}, ErrInvalidRequest},
		{"flag-like name", UploadRequest{InstanceID: py.ID, Name: "-rf", Content: strings.NewReader("x")}, ErrInvalidRequest},
		{"no content", UploadRequest{InstanceID: py.ID, Name: "a.txt"}, ErrInvalidRequest},
		{"over the limit", UploadRequest{InstanceID: py.ID, Name: "a.txt", Content: strings.NewReader(strings.Repeat("x", 17))}, ErrInvalidRequest},
		{"missing role", UploadRequest{InstanceID: rng.ID, Name: "a.txt", Role: catalog.RoleAnalysis, Content: strings.NewReader("x")}, ErrInvalidRequest},
		{"escape in file", UploadRequest{InstanceID: py.ID, Name: "x.py", Content: strings.NewReader("open('/var/run/docker.sock')")}, ErrSecurityViolation},
		{"unknown instance", UploadRequest{InstanceID: "01UNKNOWN", Name: "a.txt", Content: strings.NewReader("x")}, lifecycle.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.gw.Upload(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Upload() error = %v, want %v", err, tt.want)
			}
		})
	}
	if n := f.driver.Calls(sandboxtest.OpExec); n != 0 {
		t.Errorf("exec calls = %d, want 0", n)
	}
}

func TestUpload_StoppedInstance(t *testing.T) {
	f := newFixture(t)
	inst := f.start(t, "py")
	if err := f.mgr.Stop(context.Background(), inst.ID); err != nil {
		t.Fatal(err)
	}

	_, err := f.gw.Upload(context.Background(), UploadRequest{InstanceID: inst.ID, Name: "a.txt", Content: strings.NewReader("x")})
	if !errors.Is(err, lifecycle.ErrNotFound) {
		t.Errorf("Upload() error = %v, want ErrNotFound", err)
	}
}
