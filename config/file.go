package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML overlay layout. Absent keys leave the environment values untouched.
//
//	buffer:
//	  sampling_group: 5
//	  buffer_duration: 6.0
//	  sample_duration: 4.0
//	  delay_duration: 0.5
//	  validity_threshold: 0.9
//	  overwrite_depth: true
//	electrode_defaults:
//	  validity: 90.0
//	sampling_groups: ["0", "500", "1000", "2000", "10000", "30000"]
//	features:
//	  - {name: NoiseRMS, enable: true}
//	bus:
//	  prefix: openmer
//	  channels: {ddu: openmer.ddu}
type fileConfig struct {
	Buffer *struct {
		SamplingGroup     *int     `yaml:"sampling_group"`
		BufferDuration    *float64 `yaml:"buffer_duration"`
		SampleDuration    *float64 `yaml:"sample_duration"`
		DelayDuration     *float64 `yaml:"delay_duration"`
		ValidityThreshold *float64 `yaml:"validity_threshold"`
		OverwriteDepth    *bool    `yaml:"overwrite_depth"`
	} `yaml:"buffer"`
	ElectrodeDefaults *struct {
		Validity *float64 `yaml:"validity"`
	} `yaml:"electrode_defaults"`
	SamplingGroups []string `yaml:"sampling_groups"`
	Features       []struct {
		Name   string `yaml:"name"`
		Enable bool   `yaml:"enable"`
	} `yaml:"features"`
	Bus *struct {
		Prefix   *string           `yaml:"prefix"`
		Channels map[string]string `yaml:"channels"`
	} `yaml:"bus"`
}

// ApplyFile overlays the YAML file at path onto c
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return c.ApplyYAML(data)
}

// ApplyYAML overlays YAML content onto c
func (c *Config) ApplyYAML(data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if b := fc.Buffer; b != nil {
		if b.SamplingGroup != nil {
			c.Buffer.SamplingGroup = *b.SamplingGroup
		}
		if b.BufferDuration != nil {
			c.Buffer.BufferDuration = *b.BufferDuration
		}
		if b.SampleDuration != nil {
			c.Buffer.SampleDuration = *b.SampleDuration
		}
		if b.DelayDuration != nil {
			c.Buffer.DelayDuration = *b.DelayDuration
		}
		if b.ValidityThreshold != nil {
			c.Buffer.ValidityThreshold = *b.ValidityThreshold
		}
		if b.OverwriteDepth != nil {
			c.Buffer.OverwriteDepth = *b.OverwriteDepth
		}
	}

	if e := fc.ElectrodeDefaults; e != nil {
		if e.Validity != nil {
			c.Buffer.ElectrodeDefaults.Validity = *e.Validity
		}
	}

	if len(fc.SamplingGroups) > 0 {
		c.Signal.SamplingGroups = fc.SamplingGroups
	}

	if len(fc.Features) > 0 {
		c.Features = c.Features[:0]
		for _, f := range fc.Features {
			c.Features = append(c.Features, FeatureToggle{Name: f.Name, Enabled: f.Enable})
		}
	}

	if b := fc.Bus; b != nil {
		if b.Prefix != nil {
			c.Bus.Prefix = *b.Prefix
		}
		if c.Bus.Channels == nil {
			c.Bus.Channels = map[string]string{}
		}
		for topic, name := range b.Channels {
			c.Bus.Channels[topic] = name
		}
	}

	return nil
}
