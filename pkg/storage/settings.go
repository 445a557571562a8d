package storage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Settings holds the user overrides persisted across reboots: nickname,
// radio parameters and behavior toggles. The file is only written when
// the user asks to save, so hand edits survive until then.
type Settings struct {
	Nick   string `yaml:"nick,omitempty"`
	Status string `yaml:"status"`

	Quiet       bool `yaml:"quiet"`
	CheckCRC    bool `yaml:"check_crc"`
	AutoMsg     bool `yaml:"automsg"`
	Promiscuous bool `yaml:"prom"`

	LoRaFreq       uint32 `yaml:"lora_fr"`
	LoRaBandwidth  uint32 `yaml:"lora_bw"`
	LoRaCodingRate uint8  `yaml:"lora_cr"`
	LoRaSpreading  uint8  `yaml:"lora_sp"`
	LoRaTXPower    int    `yaml:"lora_pw"`

	DutyCycleCap   float64 `yaml:"duty_cycle_cap"`
	RelayNumTX     int     `yaml:"relay_num_tx"`
	RelayMaxDelay  int     `yaml:"relay_max_delay"`
	RelayRSSILimit int     `yaml:"relay_rssi_limit"`

	SleepBatteryPerc int `yaml:"sleep_battery_perc"`
}

// DefaultSettings returns the factory configuration.
func DefaultSettings() Settings {
	return Settings{
		Status:           "Hi There!",
		CheckCRC:         true,
		LoRaFreq:         869500000,
		LoRaBandwidth:    250000,
		LoRaCodingRate:   8,
		LoRaSpreading:    12,
		LoRaTXPower:      14,
		DutyCycleCap:     10,
		RelayNumTX:       3,
		RelayMaxDelay:    10000,
		RelayRSSILimit:   -60,
		SleepBatteryPerc: 20,
	}
}

// LoadSettings reads the settings file, returning the defaults when the
// file does not exist yet.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("failed to read settings: %v", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return DefaultSettings(), fmt.Errorf("failed to parse settings: %v", err)
	}
	return s, nil
}

// Save persists the settings to the given path.
func (s Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings: %v", err)
	}
	return nil
}

// ResetSettings removes the settings file, reverting the node to the
// factory configuration at the next boot.
func ResetSettings(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
