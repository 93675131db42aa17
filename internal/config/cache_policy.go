package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CachePolicy は論理キャッシュキー1つ分の有効期間とスキーマバージョン。
type CachePolicy struct {
	Duration time.Duration
	Version  string
}

// CachePolicies はCACHE_POLICY_FILEから読み込んだポリシーの上書き。
// Defaultがnilの場合はデフォルトポリシーを変更しない。
type CachePolicies struct {
	Default  *CachePolicy
	Policies map[string]CachePolicy
}

type cachePolicyYAML struct {
	Duration string `yaml:"duration"`
	Version  string `yaml:"version"`
}

type cachePoliciesYAML struct {
	Default  *cachePolicyYAML           `yaml:"default"`
	Policies map[string]cachePolicyYAML `yaml:"policies"`
}

// LoadCachePolicies はYAMLファイルからキャッシュポリシーの上書きを読み込む。
//
//	default:
//	  duration: 5m
//	  version: "1.0"
//	policies:
//	  profile:
//	    duration: 45m
//	    version: "1.1"
func LoadCachePolicies(path string) (*CachePolicies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache policy file: %w", err)
	}
	return ParseCachePolicies(data)
}

// ParseCachePolicies はYAMLバイト列からキャッシュポリシーの上書きを読み込む。
func ParseCachePolicies(data []byte) (*CachePolicies, error) {
	var raw cachePoliciesYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse cache policy file: %w", err)
	}

	out := &CachePolicies{Policies: make(map[string]CachePolicy, len(raw.Policies))}
	if raw.Default != nil {
		p, err := raw.Default.policy("default")
		if err != nil {
			return nil, err
		}
		out.Default = &p
	}
	for key, v := range raw.Policies {
		p, err := v.policy(key)
		if err != nil {
			return nil, err
		}
		out.Policies[key] = p
	}
	return out, nil
}

func (y cachePolicyYAML) policy(key string) (CachePolicy, error) {
	d, err := time.ParseDuration(y.Duration)
	if err != nil {
		return CachePolicy{}, fmt.Errorf("invalid duration for cache policy %q: %w", key, err)
	}
	if d <= 0 {
		return CachePolicy{}, fmt.Errorf("cache policy %q: duration must be positive", key)
	}
	if y.Version == "" {
		return CachePolicy{}, fmt.Errorf("cache policy %q: version is required", key)
	}
	return CachePolicy{Duration: d, Version: y.Version}, nil
}
