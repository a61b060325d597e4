package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/ruteri/device-provisioning-backend/interfaces"
	"gopkg.in/yaml.v3"
)

//go:embed peripherals.yaml
var defaultCatalog []byte

var (
	// ErrInvalidSchema is returned when a catalog document violates a schema invariant.
	ErrInvalidSchema = errors.New("invalid peripheral schema")

	// ErrInheritanceCycle is returned when peripherals inherit from each other in a loop.
	ErrInheritanceCycle = errors.New("peripheral inheritance cycle")
)

// Catalog is an immutable, in-memory set of peripheral schemas. It is
// safe for concurrent use without locking once loaded.
type Catalog struct {
	specs map[string]interfaces.PeripheralSpec
	names []string
}

type document struct {
	Peripherals []peripheralDoc `yaml:"peripherals"`
}

type peripheralDoc struct {
	Name       string         `yaml:"name"`
	Module     string         `yaml:"module"`
	Class      string         `yaml:"class"`
	Purpose    string         `yaml:"purpose"`
	Inherits   string         `yaml:"inherits"`
	Parameters []parameterDoc `yaml:"parameters"`
}

type parameterDoc struct {
	Name          string            `yaml:"name"`
	Type          string            `yaml:"type"`
	Default       yaml.Node         `yaml:"default"`
	Required      bool              `yaml:"required"`
	AllowedValues []any             `yaml:"allowedValues"`
	Range         *interfaces.Range `yaml:"range"`
	Prefix        string            `yaml:"prefix"`
	Unit          string            `yaml:"unit"`
	Purpose       string            `yaml:"purpose"`
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Load(defaultCatalog)
}

// LoadFile reads a catalog document from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Load(data)
}

// Load parses a YAML catalog document, resolves inheritance and validates
// every schema. Either the whole document is accepted or an error is returned.
func Load(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	declared := make(map[string]interfaces.PeripheralSpec, len(doc.Peripherals))
	names := make([]string, 0, len(doc.Peripherals))
	for _, pd := range doc.Peripherals {
		if pd.Name == "" {
			return nil, fmt.Errorf("%w: peripheral without name", ErrInvalidSchema)
		}
		if _, exists := declared[pd.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate peripheral %q", ErrInvalidSchema, pd.Name)
		}

		spec, err := pd.toSpec()
		if err != nil {
			return nil, err
		}
		declared[pd.Name] = spec
		names = append(names, pd.Name)
	}

	c := &Catalog{
		specs: make(map[string]interfaces.PeripheralSpec, len(declared)),
		names: names,
	}
	for _, name := range names {
		spec, err := resolve(name, declared, nil)
		if err != nil {
			return nil, err
		}
		if err := validateSpec(spec); err != nil {
			return nil, err
		}
		c.specs[name] = spec
	}

	return c, nil
}

// Lookup returns the schema for name.
func (c *Catalog) Lookup(name string) (interfaces.PeripheralSpec, bool) {
	spec, ok := c.specs[name]
	if !ok {
		return interfaces.PeripheralSpec{}, false
	}
	spec.Parameters = slices.Clone(spec.Parameters)
	return spec, true
}

// Names returns peripheral names in declaration order.
func (c *Catalog) Names() []string {
	return slices.Clone(c.names)
}

// All returns every schema in declaration order.
func (c *Catalog) All() []interfaces.PeripheralSpec {
	out := make([]interfaces.PeripheralSpec, 0, len(c.names))
	for _, name := range c.names {
		spec, _ := c.Lookup(name)
		out = append(out, spec)
	}
	return out
}

func (pd peripheralDoc) toSpec() (interfaces.PeripheralSpec, error) {
	spec := interfaces.PeripheralSpec{
		Name:     pd.Name,
		Module:   pd.Module,
		Class:    pd.Class,
		Purpose:  pd.Purpose,
		Inherits: pd.Inherits,
	}
	if spec.Module == "" {
		spec.Module = pd.Name
	}

	for _, param := range pd.Parameters {
		ps := interfaces.ParameterSpec{
			Name:     param.Name,
			DataType: interfaces.DataType(param.Type),
			Required: param.Required,
			Range:    param.Range,
			Prefix:   param.Prefix,
			Unit:     param.Unit,
			Purpose:  param.Purpose,
		}

		if param.Default.Kind != 0 {
			var value any
			if err := param.Default.Decode(&value); err != nil {
				return spec, fmt.Errorf("%w: %s.%s default: %v", ErrInvalidSchema, pd.Name, param.Name, err)
			}
			ps.Default = normalize(value)
			ps.HasDefault = true
		}

		for _, allowed := range param.AllowedValues {
			ps.AllowedValues = append(ps.AllowedValues, normalize(allowed))
		}

		spec.Parameters = append(spec.Parameters, ps)
	}

	return spec, nil
}

// resolve flattens the inheritance chain of name. The base parameter list
// is copied, parameters redeclared by the child replace the base entry in
// place and new parameters are appended.
func resolve(name string, declared map[string]interfaces.PeripheralSpec, visiting []string) (interfaces.PeripheralSpec, error) {
	if slices.Contains(visiting, name) {
		return interfaces.PeripheralSpec{}, fmt.Errorf("%w: %v -> %s", ErrInheritanceCycle, visiting, name)
	}

	spec := declared[name]
	if spec.Inherits == "" {
		return spec, nil
	}

	if _, ok := declared[spec.Inherits]; !ok {
		return interfaces.PeripheralSpec{}, fmt.Errorf("%w: %q inherits unknown peripheral %q", ErrInvalidSchema, name, spec.Inherits)
	}

	base, err := resolve(spec.Inherits, declared, append(visiting, name))
	if err != nil {
		return interfaces.PeripheralSpec{}, err
	}

	params := slices.Clone(base.Parameters)
	for _, own := range spec.Parameters {
		idx := slices.IndexFunc(params, func(p interfaces.ParameterSpec) bool { return p.Name == own.Name })
		if idx >= 0 {
			params[idx] = own
		} else {
			params = append(params, own)
		}
	}
	spec.Parameters = params

	return spec, nil
}

func validateSpec(spec interfaces.PeripheralSpec) error {
	if spec.Class == "" {
		return fmt.Errorf("%w: %q has no class", ErrInvalidSchema, spec.Name)
	}

	seen := make(map[string]bool, len(spec.Parameters))
	for _, p := range spec.Parameters {
		if p.Name == "" {
			return fmt.Errorf("%w: %q has a parameter without name", ErrInvalidSchema, spec.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: %q declares parameter %q twice", ErrInvalidSchema, spec.Name, p.Name)
		}
		seen[p.Name] = true

		if !p.DataType.Valid() {
			return fmt.Errorf("%w: %s.%s has data type %q", ErrInvalidSchema, spec.Name, p.Name, p.DataType)
		}
		if p.Range != nil && len(p.AllowedValues) > 0 {
			return fmt.Errorf("%w: %s.%s declares both range and allowed values", ErrInvalidSchema, spec.Name, p.Name)
		}
		if p.Range != nil && p.DataType != interfaces.NumberType {
			return fmt.Errorf("%w: %s.%s declares a range on a non-numeric parameter", ErrInvalidSchema, spec.Name, p.Name)
		}
		if p.Range != nil && p.Range.Min > p.Range.Max {
			return fmt.Errorf("%w: %s.%s range is empty", ErrInvalidSchema, spec.Name, p.Name)
		}
		if len(p.AllowedValues) > 0 && p.DataType == interfaces.ObjectType {
			return fmt.Errorf("%w: %s.%s declares allowed values on an object parameter", ErrInvalidSchema, spec.Name, p.Name)
		}
		for _, allowed := range p.AllowedValues {
			if err := checkType(p.DataType, allowed); err != nil {
				return fmt.Errorf("%w: %s.%s allowed value: %v", ErrInvalidSchema, spec.Name, p.Name, err)
			}
		}
		if p.HasDefault {
			if p.Default == nil && p.DataType != interfaces.ObjectType {
				return fmt.Errorf("%w: %s.%s has a null default", ErrInvalidSchema, spec.Name, p.Name)
			}
			if p.Default != nil {
				if err := CheckValue(p, p.Default); err != nil {
					return fmt.Errorf("%w: %s.%s default: %v", ErrInvalidSchema, spec.Name, p.Name, err)
				}
			}
		}
	}

	return nil
}
