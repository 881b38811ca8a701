package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// maxWizardAttempts bounds how often the wizard re-prompts after
// validation errors.
const maxWizardAttempts = 3

// RunSetupWizard guides the user through first-time configuration,
// reading answers from in and writing prompts to out.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	for attempt := 1; ; attempt++ {
		err := runWizardOnce(cfg, reader, out)
		if err == nil {
			break
		}
		if attempt >= maxWizardAttempts {
			return err
		}
		retry := promptBool(reader, out, "Would you like to try again?", true)
		if !retry {
			return err
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "✓ Configuration saved successfully!")
	fmt.Fprintln(out)
	return nil
}

func runWizardOnce(cfg *Config, reader *bufio.Reader, out io.Writer) error {
	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║       netgamedist - First Run Setup          ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	session := cfg.GetSession()
	fmt.Fprintln(out, "── Session ──")
	session.MaxClients = promptInt(reader, out, "Maximum clients per session", session.MaxClients)
	session.FixedRate = promptInt(reader, out, "Tick period (ms)", session.FixedRate)
	session.SendThreshold = promptInt(reader, out, "Empty ticks before pausing (0 never pauses)", session.SendThreshold)
	session.CRCRate = promptInt(reader, out, "Ticks between CRC challenges (0 disables)", session.CRCRate)
	if session.CRCRate > 0 {
		session.CRCResponseLimit = promptInt(reader, out, "Ticks allowed for CRC responses", session.CRCResponseLimit)
	}

	cfg.SetSession(session)
	network := cfg.GetNetwork()

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Network ──")
	network.ListenAddress = promptString(reader, out, "Listen address", network.ListenAddress)
	network.SessionPort = promptInt(reader, out, "Session port (TCP)", network.SessionPort)
	network.APIPort = promptInt(reader, out, "REST API port", network.APIPort)
	cfg.SetNetwork(network)

	app := cfg.GetApplicationData()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "── History ──")
	app.History.Path = promptString(reader, out, "Database path", app.History.Path)
	app.History.Enabled = promptBool(reader, out, "Record session history", app.History.Enabled)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── MQTT Telemetry ──")
	app.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", app.MQTT.Enabled)
	if app.MQTT.Enabled {
		app.MQTT.BrokerURL = promptString(reader, out, "Broker host", app.MQTT.BrokerURL)
		app.MQTT.Port = promptInt(reader, out, "Broker port", app.MQTT.Port)
	}
	cfg.SetApplicationData(app)

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		return fmt.Errorf("configuration validation failed: %d errors", len(result.Errors))
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	return nil
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
