package catalog

import (
	"testing"

	"github.com/ruteri/device-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	assert.Equal(t, []string{
		"accelerometer", "dht_sensor", "encoder", "gas_sensor", "led", "internal_led",
		"motion_sensor", "push_button", "relay", "servo_motor", "slide_switch",
	}, c.Names())

	dht, ok := c.Lookup("dht_sensor")
	require.True(t, ok)
	assert.Equal(t, "DHTSensor", dht.Class)
	sensorType, ok := dht.Parameter("sensor_type")
	require.True(t, ok)
	assert.Equal(t, "DHT22", sensorType.Default)
	assert.Equal(t, []any{"DHT11", "DHT22"}, sensorType.AllowedValues)

	acc, ok := c.Lookup("accelerometer")
	require.True(t, ok)
	i2c, _ := acc.Parameter("i2c")
	assert.True(t, i2c.HasDefault)
	assert.Nil(t, i2c.Default)
	addr, _ := acc.Parameter("addr")
	assert.Equal(t, 104.0, addr.Default)
	assert.Equal(t, "hex", addr.Prefix)
	assert.Equal(t, &interfaces.Range{Min: 0, Max: 127}, addr.Range)

	relay, ok := c.Lookup("relay")
	require.True(t, ok)
	pin, _ := relay.Parameter("pin")
	assert.True(t, pin.Required)

	_, ok = c.Lookup("not_a_real_sensor")
	assert.False(t, ok)
}

func TestInheritance(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	internal, ok := c.Lookup("internal_led")
	require.True(t, ok)
	assert.Equal(t, "InternalLED", internal.Class)
	assert.Equal(t, "led", internal.Inherits)

	names := make([]string, 0, len(internal.Parameters))
	for _, p := range internal.Parameters {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"pin", "active_high", "simulate"}, names)

	pin, _ := internal.Parameter("pin")
	assert.Equal(t, 2.0, pin.Default)
	simulate, _ := internal.Parameter("simulate")
	assert.Equal(t, false, simulate.Default)

	// the base schema is left untouched
	led, _ := c.Lookup("led")
	ledPin, _ := led.Parameter("pin")
	assert.False(t, ledPin.HasDefault)
}

func TestInheritanceAppendsNewParameters(t *testing.T) {
	doc := `
peripherals:
  - name: base
    class: Base
    parameters:
      - { name: a, type: Number, default: 1 }
      - { name: b, type: Boolean, default: true }
  - name: child
    class: Child
    inherits: base
    parameters:
      - { name: c, type: String, default: x }
      - { name: a, type: Number, default: 7 }
`
	c, err := Load([]byte(doc))
	require.NoError(t, err)

	child, ok := c.Lookup("child")
	require.True(t, ok)
	require.Len(t, child.Parameters, 3)
	assert.Equal(t, "a", child.Parameters[0].Name)
	assert.Equal(t, 7.0, child.Parameters[0].Default)
	assert.Equal(t, "b", child.Parameters[1].Name)
	assert.Equal(t, "c", child.Parameters[2].Name)
	assert.Equal(t, "child", child.Module)
}

func TestLoadRejectsInvalidSchemas(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{
			name: "unknown data type",
			doc: `
peripherals:
  - name: p
    class: P
    parameters:
      - { name: x, type: Float }
`,
			wantErr: ErrInvalidSchema,
		},
		{
			name: "missing data type",
			doc: `
peripherals:
  - name: p
    class: P
    parameters:
      - { name: x }
`,
			wantErr: ErrInvalidSchema,
		},
		{
			name: "range and allowed values",
			doc: `
peripherals:
  - name: p
    class: P
    parameters:
      - { name: x, type: Number, range: { min: 0, max: 3 }, allowedValues: [1, 2] }
`,
			wantErr: ErrInvalidSchema,
		},
		{
			name: "default out of range",
			doc: `
peripherals:
  - name: p
    class: P
    parameters:
      - { name: x, type: Number, default: 9, range: { min: 0, max: 3 } }
`,
			wantErr: ErrInvalidSchema,
		},
		{
			name: "default not allowed",
			doc: `
peripherals:
  - name: p
    class: P
    parameters:
      - { name: x, type: String, default: DHT33, allowedValues: [DHT11, DHT22] }
`,
			wantErr: ErrInvalidSchema,
		},
		{
			name: "default of wrong type",
			doc: `
peripherals:
  - name: p
    class: P
    parameters:
      - { name: x, type: Boolean, default: "yes" }
`,
			wantErr: ErrInvalidSchema,
		},
		{
			name: "null default on scalar",
			doc: `
peripherals:
  - name: p
    class: P
    parameters:
      - { name: x, type: Number, default: null }
`,
			wantErr: ErrInvalidSchema,
		},
		{
			name: "duplicate peripheral",
			doc: `
peripherals:
  - { name: p, class: P }
  - { name: p, class: P }
`,
			wantErr: ErrInvalidSchema,
		},
		{
			name: "unknown base",
			doc: `
peripherals:
  - { name: p, class: P, inherits: q }
`,
			wantErr: ErrInvalidSchema,
		},
		{
			name: "inheritance cycle",
			doc: `
peripherals:
  - { name: p, class: P, inherits: q }
  - { name: q, class: Q, inherits: p }
`,
			wantErr: ErrInheritanceCycle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCheckValue(t *testing.T) {
	freq := interfaces.ParameterSpec{
		Name:     "freq",
		DataType: interfaces.NumberType,
		Range:    &interfaces.Range{Min: 1, Max: 1000},
	}
	assert.NoError(t, CheckValue(freq, 50.0))
	assert.ErrorIs(t, CheckValue(freq, 0.0), ErrOutOfRange)
	assert.ErrorIs(t, CheckValue(freq, "50"), ErrTypeMismatch)

	sensor := interfaces.ParameterSpec{
		Name:          "sensor_type",
		DataType:      interfaces.StringType,
		AllowedValues: []any{"DHT11", "DHT22"},
	}
	assert.NoError(t, CheckValue(sensor, "DHT11"))
	assert.ErrorIs(t, CheckValue(sensor, "DHT33"), ErrValueNotAllowed)

	obj := interfaces.ParameterSpec{Name: "i2c", DataType: interfaces.ObjectType}
	assert.NoError(t, CheckValue(obj, nil))
	assert.NoError(t, CheckValue(obj, map[string]any{"id": 0.0}))
	assert.ErrorIs(t, CheckValue(obj, true), ErrTypeMismatch)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, 3.0, Normalize(3))
	assert.Equal(t, 3.0, Normalize(int64(3)))
	assert.Equal(t, map[string]any{"a": 1.0}, Normalize(map[string]any{"a": 1}))
	assert.Equal(t, "x", Normalize("x"))
}
