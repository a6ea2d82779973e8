package manifest

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestResolveScripts(t *testing.T) {
	fsys := fstest.MapFS{
		"main.cnd":     {Data: []byte("x")},
		"lib/util.cnd": {Data: []byte("x")},
		"lib/log.cnd":  {Data: []byte("x")},
	}
	m := &Manifest{
		Dir: "/app",
		Scripts: []Script{
			{Path: "main.cnd"},
			{Path: "lib/./util.cnd", Priority: 5, Cache: true},
			{Path: "lib/log.cnd", Priority: 5},
		},
	}

	scripts, err := m.ResolveScripts(fsys)
	if err != nil {
		t.Fatalf("ResolveScripts failed: %v", err)
	}
	var urls []string
	for _, s := range scripts {
		urls = append(urls, s.URL)
	}
	if got := strings.Join(urls, " "); got != "lib/util.cnd lib/log.cnd main.cnd" {
		t.Errorf("load order = %s", got)
	}
	if !scripts[0].Cache || scripts[0].Priority != 5 {
		t.Errorf("scripts[0] = %+v", scripts[0])
	}
}

func TestResolveScriptsErrors(t *testing.T) {
	fsys := fstest.MapFS{"main.cnd": {Data: []byte("x")}}
	tests := []struct {
		name    string
		scripts []Script
		wantErr string
	}{
		{"missing path", []Script{{}}, "no path"},
		{"absolute", []Script{{Path: "/etc/main.cnd"}}, "relative"},
		{"escapes", []Script{{Path: "../main.cnd"}}, "escapes"},
		{"duplicate", []Script{{Path: "main.cnd"}, {Path: "./main.cnd"}}, "twice"},
		{"not found", []Script{{Path: "other.cnd"}}, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manifest{Dir: "/app", Scripts: tt.scripts}
			_, err := m.ResolveScripts(fsys)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
