package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint and the registry
// contract deployed on it.
type ChainDefinition struct {
	Type            string `yaml:"type"`
	RPCURL          string `yaml:"rpc_url"`
	WSURL           string `yaml:"ws_url"`
	ChainID         int64  `yaml:"chain_id"`
	RegistryAddress string `yaml:"registry_address"`
	Description     string `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// Lookup returns the named chain, falling back to the file's default entry
// when name is empty.
func (d ChainDefinitions) Lookup(name string) (ChainDefinition, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = d.Default
	}
	if name == "" {
		if len(d.Chains) == 1 {
			for _, def := range d.Chains {
				return def, nil
			}
		}
		return ChainDefinition{}, fmt.Errorf("未指定默认链")
	}
	def, ok := d.Chains[name]
	if !ok {
		return ChainDefinition{}, fmt.Errorf("链 %s 未在配置中找到", name)
	}
	if t := strings.ToLower(strings.TrimSpace(def.Type)); t != "" && t != "evm" {
		return ChainDefinition{}, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
	}
	return def, nil
}
