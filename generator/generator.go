package generator

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/ruteri/device-provisioning-backend/catalog"
	"github.com/ruteri/device-provisioning-backend/interfaces"
	"github.com/ruteri/device-provisioning-backend/network"
)

const (
	PrimaryProgramName = "main.py"
	BootProgramName    = "boot.py"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Generator renders the primary and boot programs of a device from its
// peripheral selection. It has no side effects and is safe for concurrent use.
type Generator struct {
	catalog interfaces.PeripheralCatalog
	network network.Settings
	primary *template.Template
	boot    *template.Template
}

// New creates a generator over catalog. The network settings are embedded
// verbatim in every primary program.
func New(c interfaces.PeripheralCatalog, settings network.Settings) (*Generator, error) {
	primary, err := template.ParseFS(templateFS, "templates/main.py.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse primary template: %w", err)
	}
	boot, err := template.ParseFS(templateFS, "templates/boot.py.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse boot template: %w", err)
	}

	return &Generator{
		catalog: c,
		network: settings,
		primary: primary,
		boot:    boot,
	}, nil
}

// Validate runs every check Generate performs without rendering.
func (g *Generator) Validate(selections []interfaces.PeripheralSelection) error {
	_, err := g.resolve(selections)
	return err
}

// Generate renders both programs. Identical inputs produce byte-identical artifacts.
func (g *Generator) Generate(deviceID string, selections []interfaces.PeripheralSelection) (*interfaces.Artifacts, error) {
	resolved, err := g.resolve(selections)
	if err != nil {
		return nil, err
	}

	m := g.buildModel(deviceID, selections, resolved)

	var primary, boot bytes.Buffer
	if err := g.primary.Execute(&primary, m); err != nil {
		return nil, interfaces.NewProvisionError(interfaces.CodeGenerationFailure, PrimaryProgramName, err)
	}
	if err := g.boot.Execute(&boot, m); err != nil {
		return nil, interfaces.NewProvisionError(interfaces.CodeGenerationFailure, BootProgramName, err)
	}

	return &interfaces.Artifacts{
		Primary: interfaces.Artifact{Kind: interfaces.PrimaryArtifact, Name: PrimaryProgramName, Content: primary.Bytes()},
		Boot:    interfaces.Artifact{Kind: interfaces.BootArtifact, Name: BootProgramName, Content: boot.Bytes()},
	}, nil
}

// resolvedPeripheral is a selection with its constructor arguments resolved
// against the schema, in schema order.
type resolvedPeripheral struct {
	spec interfaces.PeripheralSpec
	args []argument
}

type argument struct {
	name  string
	value any
	hex   bool
}

func (g *Generator) resolve(selections []interfaces.PeripheralSelection) ([]resolvedPeripheral, error) {
	if len(selections) == 0 {
		return nil, interfaces.NewProvisionError(interfaces.CodeInvalidRequest, "", fmt.Errorf("no peripherals selected"))
	}

	seen := make(map[string]bool, len(selections))
	out := make([]resolvedPeripheral, 0, len(selections))
	for _, sel := range selections {
		if seen[sel.Name] {
			return nil, interfaces.NewProvisionError(interfaces.CodeInvalidRequest, sel.Name, fmt.Errorf("peripheral selected more than once"))
		}
		seen[sel.Name] = true

		spec, ok := g.catalog.Lookup(sel.Name)
		if !ok {
			return nil, interfaces.NewProvisionError(interfaces.CodeUnknownPeripheral, sel.Name, interfaces.ErrUnknownPeripheral)
		}

		args, err := resolveArguments(spec, sel.Params)
		if err != nil {
			return nil, err
		}
		out = append(out, resolvedPeripheral{spec: spec, args: args})
	}

	return out, nil
}

func resolveArguments(spec interfaces.PeripheralSpec, explicit map[string]any) ([]argument, error) {
	for name := range explicit {
		if _, ok := spec.Parameter(name); !ok {
			return nil, interfaces.NewProvisionError(interfaces.CodeInvalidParameter, spec.Name+"."+name, fmt.Errorf("unknown parameter"))
		}
	}

	args := make([]argument, 0, len(spec.Parameters))
	for _, p := range spec.Parameters {
		subject := spec.Name + "." + p.Name
		arg := argument{name: p.Name, hex: p.Prefix == "hex"}

		if v, ok := explicit[p.Name]; ok {
			v = catalog.Normalize(v)
			if err := catalog.CheckValue(p, v); err != nil {
				return nil, interfaces.NewProvisionError(interfaces.CodeInvalidParameter, subject, err)
			}
			arg.value = v
		} else if p.HasDefault {
			arg.value = p.Default
		} else if p.Required {
			return nil, interfaces.NewProvisionError(interfaces.CodeMissingParameter, subject, interfaces.ErrMissingParameter)
		} else {
			// left to the firmware class default
			continue
		}

		args = append(args, arg)
	}

	return args, nil
}

type model struct {
	DeviceIDComment string
	DeviceIDLiteral string
	ReceiverTopic   string
	SenderTopic     string
	SSID            string
	WiFiPassword    string
	Broker          string
	Pins            string
	PeripheralNames string
	Imports         []importLine
	Peripherals     []peripheralLine
}

type importLine struct {
	Module string
	Class  string
}

type peripheralLine struct {
	Key   string
	Class string
	Args  string
}

func (g *Generator) buildModel(deviceID string, selections []interfaces.PeripheralSelection, resolved []resolvedPeripheral) model {
	m := model{
		DeviceIDComment: pyComment(deviceID),
		DeviceIDLiteral: pyLiteral(deviceID, false),
		ReceiverTopic:   pyLiteral(fmt.Sprintf("esp32/%s/receiver", deviceID), false),
		SenderTopic:     pyLiteral(fmt.Sprintf("esp32/%s/sender", deviceID), false),
		SSID:            pyLiteral(g.network.WiFiSSID, false),
		WiFiPassword:    pyLiteral(g.network.WiFiPassword, false),
		Broker:          pyLiteral(g.network.MQTTBroker, false),
	}

	names := make([]any, 0, len(selections))
	for _, n := range interfaces.SelectionNames(selections) {
		names = append(names, n)
	}
	m.PeripheralNames = pyLiteral(names, false)

	importSeen := make(map[importLine]bool)
	var pins []string
	for _, rp := range resolved {
		imp := importLine{Module: rp.spec.Module, Class: rp.spec.Class}
		if !importSeen[imp] {
			importSeen[imp] = true
			m.Imports = append(m.Imports, imp)
		}

		rendered := make([]string, 0, len(rp.args))
		var pinEntries []string
		for _, a := range rp.args {
			lit := pyLiteral(a.value, a.hex)
			rendered = append(rendered, a.name+"="+lit)
			if a.name == "pin" || strings.HasPrefix(a.name, "pin_") {
				pinEntries = append(pinEntries, pyLiteral(a.name, false)+": "+lit)
			}
		}

		m.Peripherals = append(m.Peripherals, peripheralLine{
			Key:   pyLiteral(rp.spec.Name, false),
			Class: rp.spec.Class,
			Args:  strings.Join(rendered, ", "),
		})
		pins = append(pins, pyLiteral(rp.spec.Name, false)+": {"+strings.Join(pinEntries, ", ")+"}")
	}
	m.Pins = "{" + strings.Join(pins, ", ") + "}"

	return m
}
