package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"lab-sandbox/internal/catalog"
	"lab-sandbox/internal/config"
	"lab-sandbox/internal/sandbox/sandboxtest"
)

func TestLoadCatalog_ChecksImagesWithoutPulling(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Runtime.PullImages = false
	cfg.Templates = []config.TemplateConfig{{
		ID:                   "web",
		Kind:                 "vulnerability",
		Image:                "vulnerables/web-dvwa:latest",
		MaxLifetime:          time.Hour,
		MaxConcurrentPerUser: 1,
	}}

	d := sandboxtest.New()
	d.Images = map[string]bool{}
	_, err := loadCatalog(context.Background(), cfg, d)
	if !errors.Is(err, catalog.ErrUnresolvableImage) {
		t.Fatalf("loadCatalog() with missing image = %v, want ErrUnresolvableImage", err)
	}

	d.Images["vulnerables/web-dvwa:latest"] = true
	cat, err := loadCatalog(context.Background(), cfg, d)
	if err != nil {
		t.Fatalf("loadCatalog() = %v", err)
	}
	if _, err := cat.Get("web"); err != nil {
		t.Errorf("Get(web) = %v", err)
	}
}
