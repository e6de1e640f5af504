package chain

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions 对应 chain.yaml 的结构。
type Definitions struct {
	Default string                `yaml:"default"`
	Chains  map[string]Definition `yaml:"chains"`
}

// Definition 描述单条链的接入方式。
type Definition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	ChainID     uint64 `yaml:"chain_id"`
	Description string `yaml:"description"`
}

// LoadDefinitions 解析链定义文件，路径为空时返回空集合。
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	for name, def := range defs.Chains {
		t := strings.ToLower(strings.TrimSpace(def.Type))
		if t == "" {
			t = "evm"
		}
		if t != "evm" {
			return Definitions{}, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		def.Type = t
		defs.Chains[name] = def
	}
	return defs, nil
}

// Resolve 按名称选出一条链；name 为空时依次使用 default 字段和字典序第一条。
func (d Definitions) Resolve(name string) (string, Definition, error) {
	if len(d.Chains) == 0 {
		return "", Definition{}, fmt.Errorf("未配置任何链")
	}
	if name == "" {
		name = d.Default
	}
	if name == "" {
		names := make([]string, 0, len(d.Chains))
		for n := range d.Chains {
			names = append(names, n)
		}
		sort.Strings(names)
		name = names[0]
	}
	def, ok := d.Chains[name]
	if !ok {
		return "", Definition{}, fmt.Errorf("链 %s 未在配置中找到", name)
	}
	if strings.TrimSpace(def.RPCURL) == "" {
		return "", Definition{}, fmt.Errorf("链 %s 未配置 rpc_url", name)
	}
	return name, def, nil
}
