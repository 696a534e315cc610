package evidence

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed posture.yaml
var postureTable []byte

// Posture holds the declarative statements behind the policy-style artifacts.
type Posture struct {
	AccessControl  map[string]any `yaml:"access_control" json:"access_control"`
	Encryption     map[string]any `yaml:"encryption" json:"encryption"`
	DataFlow       DataFlow       `yaml:"data_flow" json:"data_flow"`
	AssetInventory AssetInventory `yaml:"asset_inventory" json:"asset_inventory"`
	DataRetention  DataRetention  `yaml:"data_retention" json:"data_retention"`
}

type DataFlow struct {
	Categories []DataCategory `yaml:"categories" json:"categories"`
	Processors []Processor    `yaml:"processors" json:"processors"`
}

type DataCategory struct {
	Name        string `yaml:"name" json:"name"`
	Source      string `yaml:"source" json:"source"`
	Destination string `yaml:"destination" json:"destination"`
	Purpose     string `yaml:"purpose" json:"purpose"`
	LawfulBasis string `yaml:"lawful_basis" json:"lawful_basis"`
}

type Processor struct {
	Name      string `yaml:"name" json:"name"`
	Purpose   string `yaml:"purpose" json:"purpose"`
	Location  string `yaml:"location" json:"location"`
	Safeguard string `yaml:"safeguard" json:"safeguard"`
}

type AssetInventory struct {
	Assets []Asset `yaml:"assets" json:"assets"`
}

type Asset struct {
	Name           string `yaml:"name" json:"name"`
	Type           string `yaml:"type" json:"type"`
	Owner          string `yaml:"owner" json:"owner"`
	Classification string `yaml:"classification" json:"classification"`
	Location       string `yaml:"location" json:"location"`
}

type DataRetention struct {
	Policies []RetentionPolicy `yaml:"policies" json:"policies"`
}

type RetentionPolicy struct {
	Category string `yaml:"category" json:"category"`
	Period   string `yaml:"period" json:"period"`
	Disposal string `yaml:"disposal" json:"disposal"`
}

// DefaultPosture parses the statements compiled into the binary.
func DefaultPosture() (*Posture, error) {
	return ParsePosture(postureTable)
}

// ParsePosture decodes a posture table.
func ParsePosture(data []byte) (*Posture, error) {
	var p Posture
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse posture: %w", err)
	}
	return &p, nil
}
