package escalate

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBuiltinFlowsTable(t *testing.T) {
	flows := BuiltinFlows()

	vendor, ok := flows["vendor.new_order"]
	if !ok {
		t.Fatalf("vendor.new_order missing")
	}
	wantChannels := []Channel{ChannelPush, ChannelChat, ChannelRing, ChannelInteractiveVoice, ChannelHumanOperator}
	wantWaits := []time.Duration{0, 60 * time.Second, 120 * time.Second, 180 * time.Second, 300 * time.Second}
	if len(vendor.Steps) != len(wantChannels) {
		t.Fatalf("vendor.new_order steps = %d", len(vendor.Steps))
	}
	for i, s := range vendor.Steps {
		if s.Channel != wantChannels[i] || s.Wait != wantWaits[i] {
			t.Errorf("step %d = %s@%v, want %s@%v", i, s.Channel, s.Wait, wantChannels[i], wantWaits[i])
		}
	}

	if f := flows["rider.address_update"]; len(f.Steps) != 3 || f.Steps[0].Channel != ChannelChat {
		t.Fatalf("rider.address_update = %+v", f)
	}
	if f := flows["customer.delay"]; len(f.Steps) != 1 || f.Steps[0].Wait != 0 {
		t.Fatalf("customer.delay = %+v", f)
	}
}

func TestLoadFlowsOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.yaml")
	doc := `
flows:
  - name: vendor.new_order
    target: vendor
    recorded: true
    steps:
      - channel: chat
        wait: 10s
        stopOnAck: true
      - channel: human_operator
        wait: 2m
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	flows, err := LoadFlows(path)
	if err != nil {
		t.Fatalf("LoadFlows() error = %v", err)
	}
	f := flows["vendor.new_order"]
	if len(f.Steps) != 2 {
		t.Fatalf("override steps = %d, want 2", len(f.Steps))
	}
	if f.Steps[0].Channel != ChannelChat || f.Steps[0].Wait != 10*time.Second || !f.Steps[0].StopOnAck {
		t.Fatalf("step 0 = %+v", f.Steps[0])
	}
	if f.Steps[1].Wait != 2*time.Minute {
		t.Fatalf("step 1 wait = %v", f.Steps[1].Wait)
	}
	// Untouched flows survive the override.
	if _, ok := flows["rider.assign"]; !ok {
		t.Fatalf("builtin flow lost after override")
	}
}

func TestLoadFlowsRejectsUnknownChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.yaml")
	doc := `
flows:
  - name: vendor.new_order
    target: vendor
    steps:
      - channel: carrier_pigeon
        wait: 0s
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFlows(path); err == nil {
		t.Fatalf("unknown channel accepted")
	}
}

func TestLoadFlowsEmptyPath(t *testing.T) {
	flows, err := LoadFlows("")
	if err != nil {
		t.Fatalf("LoadFlows(\"\") error = %v", err)
	}
	if len(flows) != len(BuiltinFlows()) {
		t.Fatalf("flows = %d", len(flows))
	}
}
