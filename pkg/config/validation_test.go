package config

import (
	"strings"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	err := Validate(cfg)
	if err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for invalid log format")
	}
}

func TestValidate_InvalidStoreType(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Store.Type = "postgres"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for unknown store type")
	}
}

func TestValidate_InvalidShadowType(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Shadow.Type = "tape"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for unknown shadow type")
	}
}

func TestValidate_Layout(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*LayoutConfig)
		wantErr string
	}{
		{
			name:    "unparseable book size",
			mutate:  func(l *LayoutConfig) { l.BookSize = "lots" },
			wantErr: "book_size",
		},
		{
			name:    "book size too small",
			mutate:  func(l *LayoutConfig) { l.BookSize = "1MiB" },
			wantErr: "out of range",
		},
		{
			name:    "book size not a power of two",
			mutate:  func(l *LayoutConfig) { l.BookSize = "12MiB" },
			wantErr: "power of 2",
		},
		{
			name:    "no nodes",
			mutate:  func(l *LayoutConfig) { l.Nodes = nil },
			wantErr: "Nodes",
		},
		{
			name:    "node without id",
			mutate:  func(l *LayoutConfig) { l.Nodes = []NodeConfig{{NVMSize: "1GiB"}} },
			wantErr: "node_id",
		},
		{
			name: "node without memory",
			mutate: func(l *LayoutConfig) {
				l.Nodes = []NodeConfig{{NodeID: 1}}
			},
			wantErr: "needs nvm_size or physaddrs",
		},
		{
			name: "duplicate node",
			mutate: func(l *LayoutConfig) {
				l.Nodes = append(l.Nodes, NodeConfig{NodeID: 1, NVMSize: "64MiB"})
			},
			wantErr: "listed twice",
		},
		{
			name: "bad enclosure",
			mutate: func(l *LayoutConfig) {
				l.Nodes = []NodeConfig{{Rack: 1, Enclosure: 9, Node: 1, NVMSize: "64MiB"}}
			},
			wantErr: "enclosure",
		},
		{
			name: "unaligned physical range",
			mutate: func(l *LayoutConfig) {
				l.Nodes = []NodeConfig{{NodeID: 1, PhysAddrs: []RangeConfig{{Base: "0x900000", Size: "16MiB"}}}}
			},
			wantErr: "not book-aligned",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(&cfg.Layout)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_PhysAddrLayout(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Layout.Nodes = []NodeConfig{
		{Rack: 1, Enclosure: 1, Node: 1, PhysAddrs: []RangeConfig{{Base: "0x1000000", Size: "64MiB"}}},
		{Rack: 1, Enclosure: 2, Node: 1, PhysAddrs: []RangeConfig{{Base: "0x10000000", Size: "64MiB"}}},
	}

	if err := Validate(cfg); err != nil {
		t.Fatalf("Expected PHYSADDR layout to be valid, got: %v", err)
	}

	layout, err := cfg.Layout.ToLayout()
	if err != nil {
		t.Fatalf("ToLayout failed: %v", err)
	}
	if layout.Nodes[1].NodeID != 11 {
		t.Errorf("Expected rack 1 enclosure 2 node 1 to be node 11, got %d", layout.Nodes[1].NodeID)
	}
	if layout.Nodes[0].Ranges[0].Base != 0x1000000 {
		t.Errorf("Expected base 0x1000000, got 0x%x", layout.Nodes[0].Ranges[0].Base)
	}
	if layout.BooksTotal() != 16 {
		t.Errorf("Expected 16 books, got %d", layout.BooksTotal())
	}
}

func TestValidate_DefaultPolicy(t *testing.T) {
	tests := []struct {
		policy  string
		wantErr string
	}{
		{"LocalNode", ""},
		{"LZAdescending", ""},
		{"Bogus", "engine.default_policy"},
		{"RequestIG", "cannot be the default"},
	}

	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			cfg := GetDefaultConfig()
			cfg.Engine.DefaultPolicy = tt.policy

			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected policy %q to be valid, got: %v", tt.policy, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_NodeIDMustBeInLayout(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Engine.NodeID = 7

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for node outside the layout")
	}
	if !strings.Contains(err.Error(), "not in the layout") {
		t.Errorf("Expected 'not in the layout' error, got: %v", err)
	}

	cfg.Engine.NodeID = 1
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected node 1 to be valid, got: %v", err)
	}
}

func TestValidate_MetricsPort(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.Metrics.Enabled = true
	cfg.Server.Metrics.Port = 0

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for enabled metrics without a port")
	}

	cfg.Server.Metrics.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for out of range port")
	}
}

func TestValidate_ZeroerInterval(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Zeroer.Interval = 0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for enabled zeroer without an interval")
	}
	if !strings.Contains(err.Error(), "interval") {
		t.Errorf("Expected interval error, got: %v", err)
	}

	cfg.Zeroer.Enabled = false
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected disabled zeroer to skip the interval check, got: %v", err)
	}
}

func TestValidate_ShutdownTimeout(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.ShutdownTimeout = 0

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for zero shutdown timeout")
	}
}
