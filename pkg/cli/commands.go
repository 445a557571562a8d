// Package cli implements the textual command controller. Commands are
// received from any text transport (serial console, HTTP API, short
// range links) and replies go back through the caller-supplied callback,
// so the same controller serves them all.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/freakwan/freakwan-node/pkg/mesh"
	"github.com/freakwan/freakwan-node/pkg/protocol"
	"github.com/freakwan/freakwan-node/pkg/storage"
)

// ReplyFunc delivers one reply line to the user.
type ReplyFunc func(string)

// maxImageBytes is the on-air ceiling for an image: it must fit a single
// frame together with the DATA header.
const maxImageBytes = 200

// commandHandler executes one command. Returning false reports a wrong
// number of arguments to the user.
type commandHandler func(c *CommandsController, argv []string, reply ReplyFunc) bool

// CommandsController executes the commands received from the user.
// Commands starting with "!" perform operations or change settings;
// lines starting with "#name " are sent encrypted under the named key;
// anything else is sent as a message under the default key, if one is
// selected.
type CommandsController struct {
	fw           *mesh.FreakWAN
	settingsPath string

	// ImagesDir is where the !image command looks for files.
	ImagesDir string

	// OnTransportCommand handles the wifi/irc/telegram commands when the
	// optional transports are compiled in. Nil reports them unavailable.
	OnTransportCommand func(name string, argv []string, reply ReplyFunc)

	mu         sync.Mutex
	defaultKey string

	commands map[string]commandHandler
}

// NewCommandsController creates a controller bound to the engine.
func NewCommandsController(fw *mesh.FreakWAN, settingsPath string) *CommandsController {
	c := &CommandsController{
		fw:           fw,
		settingsPath: settingsPath,
		ImagesDir:    "images",
	}
	// Static dispatch table: command name to handler.
	c.commands = map[string]commandHandler{
		"quiet":    (*CommandsController).cmdQuiet,
		"crc":      (*CommandsController).cmdCRC,
		"automsg":  (*CommandsController).cmdAutoMsg,
		"prom":     (*CommandsController).cmdProm,
		"nick":     (*CommandsController).cmdNick,
		"preset":   (*CommandsController).cmdPreset,
		"sp":       (*CommandsController).cmdSP,
		"cr":       (*CommandsController).cmdCR,
		"bw":       (*CommandsController).cmdBW,
		"pw":       (*CommandsController).cmdPW,
		"bat":      (*CommandsController).cmdBat,
		"ls":       (*CommandsController).cmdLs,
		"last":     (*CommandsController).cmdLast,
		"addkey":   (*CommandsController).cmdAddKey,
		"delkey":   (*CommandsController).cmdDelKey,
		"usekey":   (*CommandsController).cmdUseKey,
		"nokey":    (*CommandsController).cmdNoKey,
		"keys":     (*CommandsController).cmdKeys,
		"image":    (*CommandsController).cmdImage,
		"config":   (*CommandsController).cmdConfig,
		"wifi":     (*CommandsController).cmdTransport,
		"irc":      (*CommandsController).cmdTransport,
		"telegram": (*CommandsController).cmdTransport,
		"reset":    (*CommandsController).cmdReset,
		"help":     (*CommandsController).cmdHelp,
	}
	return c
}

// DefaultKey returns the key new messages are encrypted under, or the
// empty string for cleartext.
func (c *CommandsController) DefaultKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaultKey
}

// splitArguments splits command arguments, considering "strings with
// quotes and spaces" as a single one, so the user can type:
// !cmd "argu ment".
func splitArguments(cmd string) []string {
	sp := strings.Fields(cmd)
	var argv []string
	inQuotes := false
	for _, a := range sp {
		if inQuotes {
			if strings.HasSuffix(a, `"`) {
				a = a[:len(a)-1]
				inQuotes = false
			}
			argv[len(argv)-1] += " " + a
		} else {
			if len(a) >= 2 && a[0] == '"' && a[len(a)-1] == '"' {
				a = a[1 : len(a)-1]
			} else if len(a) > 0 && a[0] == '"' {
				a = a[1:]
				inQuotes = true
			}
			argv = append(argv, a)
		}
	}
	return argv
}

// Exec executes one command line and replies through the callback.
func (c *CommandsController) Exec(line string, reply ReplyFunc) {
	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	switch line[0] {
	case '!':
		argv := splitArguments(line[1:])
		if len(argv) == 0 {
			return
		}
		handler, ok := c.commands[argv[0]]
		if !ok {
			reply("Unknown command: " + argv[0])
			return
		}
		if !handler(c, argv, reply) {
			reply("Wrong number of arguments for: " + argv[0])
		}
	case '#':
		// Encrypted message: "#keyname text".
		idx := strings.IndexByte(line, ' ')
		if idx < 0 {
			reply("Usage: #keyname message")
			return
		}
		keyName, text := line[1:idx], line[idx+1:]
		if !c.fw.Keychain().HasKey(keyName) {
			reply("No such key '" + keyName + "'")
			return
		}
		c.sendText(text, keyName, reply)
	default:
		c.sendText(line, c.DefaultKey(), reply)
	}
}

// sendText queues a text message for transmission under the given key
// (empty for cleartext).
func (c *CommandsController) sendText(text, keyName string, reply ReplyFunc) {
	cfg := c.fw.ConfigSnapshot()
	m := protocol.NewDataMessage(c.fw.Address(), cfg.Nick, text, keyName)
	if !c.fw.SendAsynchronously(m, 0, 3, true) {
		reply("Send queue full, message not sent.")
		return
	}
	group := ""
	if keyName != "" {
		group = "#" + keyName + " "
	}
	reply(group + "you> " + text)
}

// handleBoolSetting implements the shared get/set behavior of the
// boolean toggles.
func (c *CommandsController) handleBoolSetting(descr string, get func(mesh.Config) bool, set func(*mesh.Config, bool), argv []string, reply ReplyFunc) bool {
	if len(argv) > 2 {
		return false
	}
	if len(argv) == 2 {
		v := argv[1] == "1" || argv[1] == "on"
		c.fw.UpdateConfig(func(cfg *mesh.Config) { set(cfg, v) })
	}
	reply(fmt.Sprintf("%s set to: %v", descr, get(c.fw.ConfigSnapshot())))
	return true
}

func (c *CommandsController) cmdQuiet(argv []string, reply ReplyFunc) bool {
	return c.handleBoolSetting(argv[0],
		func(cfg mesh.Config) bool { return cfg.Quiet },
		func(cfg *mesh.Config, v bool) { cfg.Quiet = v }, argv, reply)
}

func (c *CommandsController) cmdCRC(argv []string, reply ReplyFunc) bool {
	return c.handleBoolSetting("CRC checking",
		func(cfg mesh.Config) bool { return cfg.CheckCRC },
		func(cfg *mesh.Config, v bool) { cfg.CheckCRC = v }, argv, reply)
}

func (c *CommandsController) cmdAutoMsg(argv []string, reply ReplyFunc) bool {
	return c.handleBoolSetting(argv[0],
		func(cfg mesh.Config) bool { return cfg.AutoMsg },
		func(cfg *mesh.Config, v bool) { cfg.AutoMsg = v }, argv, reply)
}

func (c *CommandsController) cmdProm(argv []string, reply ReplyFunc) bool {
	return c.handleBoolSetting("promiscuous mode",
		func(cfg mesh.Config) bool { return cfg.Promiscuous },
		func(cfg *mesh.Config, v bool) { cfg.Promiscuous = v }, argv, reply)
}

func (c *CommandsController) cmdNick(argv []string, reply ReplyFunc) bool {
	if len(argv) > 2 {
		return false
	}
	if len(argv) == 2 {
		c.fw.UpdateConfig(func(cfg *mesh.Config) { cfg.Nick = argv[1] })
	}
	reply("Your nick is: " + c.fw.ConfigSnapshot().Nick)
	return true
}

func (c *CommandsController) cmdPreset(argv []string, reply ReplyFunc) bool {
	if len(argv) != 2 {
		return false
	}
	preset, ok := mesh.Presets[argv[1]]
	if !ok {
		reply("Valid presets: " + strings.Join(mesh.PresetNames(), ", "))
		return true
	}
	c.fw.UpdateConfig(func(cfg *mesh.Config) {
		cfg.Radio.BandwidthHz = preset.BandwidthHz
		cfg.Radio.CodingRate = preset.CodingRate
		cfg.Radio.Spreading = preset.Spreading
	})
	cfg := c.fw.ConfigSnapshot()
	reply(fmt.Sprintf("Setting bw:%d cr:%d sp:%d",
		cfg.Radio.BandwidthHz, cfg.Radio.CodingRate, cfg.Radio.Spreading))
	c.reconfigure(reply)
	return true
}

// reconfigure applies the current radio parameters, reporting failures
// to the user instead of losing them in the logs.
func (c *CommandsController) reconfigure(reply ReplyFunc) {
	if err := c.fw.ReconfigureRadio(); err != nil {
		reply("Radio reconfiguration failed: " + err.Error())
	}
}

func (c *CommandsController) cmdSP(argv []string, reply ReplyFunc) bool {
	if len(argv) > 2 {
		return false
	}
	if len(argv) == 2 {
		spreading, _ := strconv.Atoi(argv[1])
		if spreading < int(mesh.MinSpreading) || spreading > int(mesh.MaxSpreading) {
			reply(fmt.Sprintf("Invalid spreading. Use %d-%d.",
				mesh.MinSpreading, mesh.MaxSpreading))
			return true
		}
		c.fw.UpdateConfig(func(cfg *mesh.Config) { cfg.Radio.Spreading = uint8(spreading) })
		c.reconfigure(reply)
	}
	reply(fmt.Sprintf("Spreading set to %d", c.fw.ConfigSnapshot().Radio.Spreading))
	return true
}

func (c *CommandsController) cmdCR(argv []string, reply ReplyFunc) bool {
	if len(argv) > 2 {
		return false
	}
	if len(argv) == 2 {
		cr, _ := strconv.Atoi(argv[1])
		if cr < int(mesh.MinCodingRate) || cr > int(mesh.MaxCodingRate) {
			reply(fmt.Sprintf("Invalid coding rate. Use %d-%d.",
				mesh.MinCodingRate, mesh.MaxCodingRate))
			return true
		}
		c.fw.UpdateConfig(func(cfg *mesh.Config) { cfg.Radio.CodingRate = uint8(cr) })
		c.reconfigure(reply)
	}
	reply(fmt.Sprintf("Coding rate set to %d", c.fw.ConfigSnapshot().Radio.CodingRate))
	return true
}

func (c *CommandsController) cmdBW(argv []string, reply ReplyFunc) bool {
	if len(argv) > 2 {
		return false
	}
	if len(argv) == 2 {
		bw, _ := strconv.Atoi(argv[1])
		valid := false
		for _, v := range mesh.ValidBandwidths {
			if uint32(bw) == v {
				valid = true
				break
			}
		}
		if !valid {
			values := make([]string, len(mesh.ValidBandwidths))
			for i, v := range mesh.ValidBandwidths {
				values[i] = strconv.Itoa(int(v))
			}
			reply("Invalid bandwidth. Use: " + strings.Join(values, ", "))
			return true
		}
		c.fw.UpdateConfig(func(cfg *mesh.Config) { cfg.Radio.BandwidthHz = uint32(bw) })
		c.reconfigure(reply)
	}
	reply(fmt.Sprintf("bandwidth set to %d", c.fw.ConfigSnapshot().Radio.BandwidthHz))
	return true
}

func (c *CommandsController) cmdPW(argv []string, reply ReplyFunc) bool {
	if len(argv) > 2 {
		return false
	}
	if len(argv) == 2 {
		txPower, _ := strconv.Atoi(argv[1])
		if txPower < mesh.MinTXPower || txPower > mesh.MaxTXPower {
			reply(fmt.Sprintf("Invalid tx power (dbm). Use %d-%d.",
				mesh.MinTXPower, mesh.MaxTXPower))
			return true
		}
		c.fw.UpdateConfig(func(cfg *mesh.Config) { cfg.Radio.TXPowerDBM = txPower })
		c.reconfigure(reply)
	}
	reply(fmt.Sprintf("TX power set to %d", c.fw.ConfigSnapshot().Radio.TXPowerDBM))
	return true
}

func (c *CommandsController) cmdBat(argv []string, reply ReplyFunc) bool {
	if len(argv) != 1 {
		return false
	}
	gauge := c.fw.Battery()
	if gauge == nil {
		reply("No battery gauge on this device.")
		return true
	}
	volts := float64(gauge.Microvolts()) / 1_000_000
	reply(fmt.Sprintf("battery %d%%, %.2f volts", gauge.Percentage(), volts))
	return true
}

func (c *CommandsController) cmdLs(argv []string, reply ReplyFunc) bool {
	if len(argv) != 1 {
		return false
	}
	neighbors := c.fw.Neighbors().List()
	for i, m := range neighbors {
		age := time.Since(m.CTime).Seconds()
		reply(fmt.Sprintf("%d. %s (%s> %s) %.1f sec ago with RSSI:%d It can see %d nodes.",
			i+1, m.Sender, m.Nick, m.Text, age, m.RSSI, m.Seen))
	}
	if len(neighbors) == 0 {
		reply("Nobody around...")
	}
	return true
}

func (c *CommandsController) cmdLast(argv []string, reply ReplyFunc) bool {
	if len(argv) > 2 {
		return false
	}
	count := 10
	if len(argv) == 2 {
		count, _ = strconv.Atoi(argv[1])
	}
	if count < 1 {
		reply("Wrong count.")
		return true
	}
	records, err := c.fw.Journal().GetRecords(0, count)
	if err != nil {
		reply("History read error: " + err.Error())
		return true
	}
	// Oldest first, chat-style.
	for i := len(records) - 1; i >= 0; i-- {
		m, err := protocol.FromEncoded(records[i], c.fw.Keychain())
		if err != nil {
			continue
		}
		if m.Flags&protocol.FlagMedia != 0 {
			reply(fmt.Sprintf("%s> [%d bytes of media]", m.Nick, len(m.MediaData)))
		} else {
			reply(m.Nick + "> " + m.Text)
		}
	}
	return true
}

func (c *CommandsController) cmdAddKey(argv []string, reply ReplyFunc) bool {
	if len(argv) != 3 {
		return false
	}
	if err := c.fw.Keychain().AddKey(argv[1], []byte(argv[2])); err != nil {
		reply("Can't add key: " + err.Error())
		return true
	}
	reply("Key added to keychain.")
	return true
}

func (c *CommandsController) cmdDelKey(argv []string, reply ReplyFunc) bool {
	if len(argv) != 2 {
		return false
	}
	if !c.fw.Keychain().HasKey(argv[1]) {
		reply("No such key: " + argv[1])
		return true
	}
	if err := c.fw.Keychain().DelKey(argv[1]); err != nil {
		reply("Can't remove key: " + err.Error())
		return true
	}
	c.mu.Lock()
	if c.defaultKey == argv[1] {
		c.defaultKey = ""
	}
	c.mu.Unlock()
	reply("Key removed from keychain")
	return true
}

func (c *CommandsController) cmdUseKey(argv []string, reply ReplyFunc) bool {
	if len(argv) != 2 {
		return false
	}
	if !c.fw.Keychain().HasKey(argv[1]) {
		reply("No such key: " + argv[1])
		return true
	}
	c.mu.Lock()
	c.defaultKey = argv[1]
	c.mu.Unlock()
	reply("Key set.")
	return true
}

func (c *CommandsController) cmdNoKey(argv []string, reply ReplyFunc) bool {
	if len(argv) != 1 {
		return false
	}
	c.mu.Lock()
	c.defaultKey = ""
	c.mu.Unlock()
	reply("Key unset. New messages will be sent unencrypted.")
	return true
}

func (c *CommandsController) cmdKeys(argv []string, reply ReplyFunc) bool {
	if len(argv) != 1 {
		return false
	}
	reply(strings.Join(c.fw.Keychain().ListKeys(), ", "))
	return true
}

func (c *CommandsController) cmdImage(argv []string, reply ReplyFunc) bool {
	if len(argv) != 2 {
		return false
	}
	data, err := os.ReadFile(filepath.Join(c.ImagesDir, filepath.Base(argv[1])))
	if err != nil {
		reply("Error loading the image: " + err.Error())
		return true
	}
	if len(data) < 5 || string(data[:3]) != "FC0" {
		reply("Error loading the image: FCI image magic not found")
		return true
	}
	if len(data) > maxImageBytes {
		reply(fmt.Sprintf("Image must be <= %d bytes.", maxImageBytes))
		return true
	}
	cfg := c.fw.ConfigSnapshot()
	m := protocol.NewMediaMessage(c.fw.Address(), cfg.Nick,
		protocol.MediaTypeImageFCI, data, c.DefaultKey())
	if !c.fw.SendAsynchronously(m, 0, 1, true) {
		reply("Send queue full, image not sent.")
		return true
	}
	reply(fmt.Sprintf("you> image %s (%dx%d)", argv[1], data[3], data[4]))
	return true
}

func (c *CommandsController) cmdConfig(argv []string, reply ReplyFunc) bool {
	if len(argv) > 2 {
		return false
	}
	cfg := c.fw.ConfigSnapshot()
	if len(argv) == 1 {
		reply("nick: " + cfg.Nick)
		reply("status: " + cfg.Status)
		reply(fmt.Sprintf("lora_fr: %d", cfg.Radio.FreqHz))
		reply(fmt.Sprintf("lora_bw: %d", cfg.Radio.BandwidthHz))
		reply(fmt.Sprintf("lora_cr: %d", cfg.Radio.CodingRate))
		reply(fmt.Sprintf("lora_sp: %d", cfg.Radio.Spreading))
		reply(fmt.Sprintf("lora_pw: %d", cfg.Radio.TXPowerDBM))
		reply(fmt.Sprintf("quiet: %v", cfg.Quiet))
		reply(fmt.Sprintf("check_crc: %v", cfg.CheckCRC))
		reply(fmt.Sprintf("automsg: %v", cfg.AutoMsg))
		reply(fmt.Sprintf("prom: %v", cfg.Promiscuous))
		return true
	}
	switch argv[1] {
	case "save":
		if err := c.saveSettings(cfg); err != nil {
			reply("Can't save settings: " + err.Error())
		} else {
			reply("Settings saved.")
		}
	case "reset":
		if err := storage.ResetSettings(c.settingsPath); err != nil {
			reply("Can't remove settings: " + err.Error())
		} else {
			reply("Settings file removed.")
		}
	default:
		reply("Valid subcommands: save, reset")
	}
	return true
}

// saveSettings maps the live configuration to the settings file.
func (c *CommandsController) saveSettings(cfg mesh.Config) error {
	s := storage.DefaultSettings()
	s.Nick = cfg.Nick
	s.Status = cfg.Status
	s.Quiet = cfg.Quiet
	s.CheckCRC = cfg.CheckCRC
	s.AutoMsg = cfg.AutoMsg
	s.Promiscuous = cfg.Promiscuous
	s.LoRaFreq = cfg.Radio.FreqHz
	s.LoRaBandwidth = cfg.Radio.BandwidthHz
	s.LoRaCodingRate = cfg.Radio.CodingRate
	s.LoRaSpreading = cfg.Radio.Spreading
	s.LoRaTXPower = cfg.Radio.TXPowerDBM
	s.DutyCycleCap = cfg.DutyCycleCap
	s.RelayNumTX = cfg.RelayNumTX
	s.RelayMaxDelay = int(cfg.RelayMaxDelay / time.Millisecond)
	s.RelayRSSILimit = cfg.RelayRSSILimit
	s.SleepBatteryPerc = cfg.SleepBatteryPerc
	return s.Save(c.settingsPath)
}

func (c *CommandsController) cmdTransport(argv []string, reply ReplyFunc) bool {
	if c.OnTransportCommand == nil {
		reply(argv[0] + " support not included in this build.")
		return true
	}
	c.OnTransportCommand(argv[0], argv, reply)
	return true
}

func (c *CommandsController) cmdReset(argv []string, reply ReplyFunc) bool {
	if len(argv) != 1 {
		return false
	}
	if c.fw.HardReset == nil {
		reply("Reset not available on this device.")
		return true
	}
	c.fw.HardReset()
	return true
}

func (c *CommandsController) cmdHelp(argv []string, reply ReplyFunc) bool {
	if len(argv) != 1 {
		return false
	}
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, "!"+name)
	}
	sort.Strings(names)
	reply("Commands: " + strings.Join(names, " "))
	return true
}
