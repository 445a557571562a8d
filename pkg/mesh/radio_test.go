package mesh

import "testing"

func TestRadioParamsValidate(t *testing.T) {
	good := RadioParams{
		FreqHz: 869500000, BandwidthHz: 250000,
		CodingRate: 8, Spreading: 12, TXPowerDBM: 14,
	}
	if err := good.Validate(); err != nil {
		t.Errorf("Validate() = %v for valid params", err)
	}

	tests := []struct {
		name   string
		mutate func(*RadioParams)
	}{
		{"bandwidth", func(p *RadioParams) { p.BandwidthHz = 123456 }},
		{"coding rate low", func(p *RadioParams) { p.CodingRate = 4 }},
		{"coding rate high", func(p *RadioParams) { p.CodingRate = 9 }},
		{"spreading low", func(p *RadioParams) { p.Spreading = 5 }},
		{"spreading high", func(p *RadioParams) { p.Spreading = 13 }},
		{"power low", func(p *RadioParams) { p.TXPowerDBM = 1 }},
		{"power high", func(p *RadioParams) { p.TXPowerDBM = 21 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := good
			tt.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Errorf("Validate() accepted bad %s", tt.name)
			}
		})
	}
}

func TestPresets(t *testing.T) {
	// The preset table is part of the interoperable surface: exact
	// values matter.
	want := map[string]Preset{
		"superfast": {7, 5, 500000},
		"veryfast":  {8, 6, 250000},
		"fast":      {9, 8, 250000},
		"mid":       {10, 8, 250000},
		"far":       {11, 8, 125000},
		"veryfar":   {12, 8, 125000},
		"superfar":  {12, 8, 62500},
	}
	if len(Presets) != len(want) {
		t.Fatalf("Presets has %d entries, want %d", len(Presets), len(want))
	}
	for name, w := range want {
		if got, ok := Presets[name]; !ok || got != w {
			t.Errorf("Presets[%q] = %+v, want %+v", name, Presets[name], w)
		}
	}

	names := PresetNames()
	if len(names) != len(want) || names[0] != "far" {
		t.Errorf("PresetNames() = %v", names)
	}
}
