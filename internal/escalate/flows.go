package escalate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Channel is how one ladder step reaches the target.
type Channel string

const (
	ChannelPush             Channel = "push"
	ChannelChat             Channel = "chat"
	ChannelRing             Channel = "ring"
	ChannelInteractiveVoice Channel = "interactive_voice"
	ChannelHumanOperator    Channel = "human_operator"
)

// Step is one rung of a ladder. Wait is cumulative from escalation
// start, not from the previous step.
type Step struct {
	Channel   Channel       `yaml:"channel"`
	Wait      time.Duration `yaml:"wait"`
	StopOnAck bool          `yaml:"stopOnAck"`
}

// Flow is a named ladder for one target kind. Recorded marks purposes
// whose interactive calls capture audio.
type Flow struct {
	Name     string `yaml:"name"`
	Target   string `yaml:"target"`
	Recorded bool   `yaml:"recorded"`
	Steps    []Step `yaml:"steps"`
}

// BuiltinFlows returns the shipped ladder table.
func BuiltinFlows() map[string]Flow {
	flows := []Flow{
		{
			Name: "vendor.new_order", Target: "vendor", Recorded: true,
			Steps: []Step{
				{Channel: ChannelPush, Wait: 0, StopOnAck: true},
				{Channel: ChannelChat, Wait: 60 * time.Second, StopOnAck: true},
				{Channel: ChannelRing, Wait: 120 * time.Second, StopOnAck: true},
				{Channel: ChannelInteractiveVoice, Wait: 180 * time.Second, StopOnAck: true},
				{Channel: ChannelHumanOperator, Wait: 300 * time.Second},
			},
		},
		{
			Name: "vendor.reminder", Target: "vendor",
			Steps: []Step{
				{Channel: ChannelPush, Wait: 0, StopOnAck: true},
				{Channel: ChannelRing, Wait: 60 * time.Second, StopOnAck: true},
				{Channel: ChannelInteractiveVoice, Wait: 120 * time.Second, StopOnAck: true},
			},
		},
		{
			Name: "rider.assign", Target: "rider",
			Steps: []Step{
				{Channel: ChannelPush, Wait: 0, StopOnAck: true},
				{Channel: ChannelChat, Wait: 60 * time.Second, StopOnAck: true},
				{Channel: ChannelRing, Wait: 120 * time.Second, StopOnAck: true},
				{Channel: ChannelInteractiveVoice, Wait: 180 * time.Second, StopOnAck: true},
			},
		},
		{
			Name: "rider.address_update", Target: "rider", Recorded: true,
			Steps: []Step{
				{Channel: ChannelChat, Wait: 0, StopOnAck: true},
				{Channel: ChannelRing, Wait: 30 * time.Second, StopOnAck: true},
				{Channel: ChannelInteractiveVoice, Wait: 90 * time.Second, StopOnAck: true},
			},
		},
		{
			Name: "customer.status", Target: "customer",
			Steps: []Step{
				{Channel: ChannelPush, Wait: 0, StopOnAck: true},
				{Channel: ChannelChat, Wait: 30 * time.Second, StopOnAck: true},
			},
		},
		{
			Name: "customer.delay", Target: "customer",
			Steps: []Step{
				{Channel: ChannelChat, Wait: 0},
			},
		},
	}
	m := make(map[string]Flow, len(flows))
	for _, f := range flows {
		m[f.Name] = f
	}
	return m
}

type flowsFile struct {
	Flows []Flow `yaml:"flows"`
}

// UnmarshalYAML accepts waits in Go duration syntax ("90s", "2m").
func (s *Step) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Channel   Channel `yaml:"channel"`
		Wait      string  `yaml:"wait"`
		StopOnAck bool    `yaml:"stopOnAck"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.Channel = raw.Channel
	s.StopOnAck = raw.StopOnAck
	if raw.Wait == "" {
		s.Wait = 0
		return nil
	}
	d, err := time.ParseDuration(raw.Wait)
	if err != nil {
		return fmt.Errorf("step wait %q: %w", raw.Wait, err)
	}
	s.Wait = d
	return nil
}

// LoadFlows returns the builtin table with any operator overrides from
// the YAML file applied on top. An empty path means builtins only.
func LoadFlows(path string) (map[string]Flow, error) {
	flows := BuiltinFlows()
	if path == "" {
		return flows, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flows file: %w", err)
	}
	var file flowsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse flows file: %w", err)
	}
	for _, f := range file.Flows {
		if f.Name == "" || len(f.Steps) == 0 {
			return nil, fmt.Errorf("flows file: flow %q needs a name and at least one step", f.Name)
		}
		for _, s := range f.Steps {
			switch s.Channel {
			case ChannelPush, ChannelChat, ChannelRing, ChannelInteractiveVoice, ChannelHumanOperator:
			default:
				return nil, fmt.Errorf("flows file: flow %q has unknown channel %q", f.Name, s.Channel)
			}
		}
		flows[f.Name] = f
	}
	return flows, nil
}
