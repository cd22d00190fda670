package config

type Validation struct {
	DisabledValidators Validators `yaml:"disabled-validators,omitempty" json:"disabled-validators,omitempty"`
}

func (v *Validation) validateSetDefaults() error {
	return nil
}

type Validators struct {
	Mandatory   bool `yaml:"mandatory,omitempty" json:"mandatory,omitempty"`
	Leafref     bool `yaml:"leafref,omitempty" json:"leafref,omitempty"`
	ListKeys    bool `yaml:"list-keys,omitempty" json:"list-keys,omitempty"`
	MaxElements bool `yaml:"max-elements,omitempty" json:"max-elements,omitempty"`
}

func (v *Validators) DisableAll() {
	v.Mandatory = true
	v.Leafref = true
	v.ListKeys = true
	v.MaxElements = true
}
