// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/sigil-dev/loopback/internal/config"
	"github.com/sigil-dev/loopback/internal/provider/openwebui"
	"github.com/sigil-dev/loopback/internal/secrets"
	sigilerr "github.com/sigil-dev/loopback/pkg/errors"
)

// credentialKey is the keyring entry holding the file-service API key.
const credentialKey = "openwebui-api-key"

// initWizardStep tracks which step of the wizard is active.
type initWizardStep int

const (
	stepBaseURL  initWizardStep = iota // enter Open WebUI address
	stepAPIKey                         // enter API key
	stepValidate                       // validating key (spinner)
	stepEnable                         // choose whether loopback starts enabled
	stepDone                           // wizard complete
	stepError                          // terminal error
)

// initResult holds the collected wizard configuration.
type initResult struct {
	BaseURL string
	APIKey  string
	Enable  bool
	// Models is the number of models the file service reported.
	Models int
}

type (
	validationSuccessMsg struct{ models int }
	validationErrorMsg   struct{ err error }
	configWrittenMsg     struct{ path string }
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	promptStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	boxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

var enableChoices = []string{
	"enable image loopback now",
	"write config with loopback disabled",
}

// validateCredential checks a base URL and API key against the file service.
// It is a variable so tests can stub the network call.
var validateCredential = func(ctx context.Context, baseURL, apiKey string) (int, error) {
	c, err := openwebui.New(openwebui.Config{BaseURL: baseURL, APIKey: apiKey, Timeout: 10 * time.Second})
	if err != nil {
		return 0, err
	}
	return c.RefreshModels(ctx)
}

// initModel is the bubbletea model for the init wizard.
type initModel struct {
	step          initWizardStep
	enableIdx     int
	baseURLInput  textinput.Model
	apiKeyInput   textinput.Model
	spinner       spinner.Model
	result        initResult
	validationErr string
	configPath    string
	secretStore   secrets.Store
	errFinal      error
	force         bool
}

func newInitModel(store secrets.Store) initModel {
	baseURL := textinput.New()
	baseURL.Placeholder = "http://localhost:8080"
	baseURL.SetValue("http://localhost:8080")
	baseURL.Focus()

	apiKey := textinput.New()
	apiKey.Placeholder = "paste Open WebUI API key here"
	apiKey.EchoMode = textinput.EchoPassword
	apiKey.EchoCharacter = '•'

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return initModel{
		step:         stepBaseURL,
		baseURLInput: baseURL,
		apiKeyInput:  apiKey,
		spinner:      sp,
		secretStore:  store,
	}
}

func (m initModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m initModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case validationSuccessMsg:
		m.result.Models = msg.models
		m.step = stepEnable
		return m, nil

	case validationErrorMsg:
		m.validationErr = msg.err.Error()
		m.step = stepAPIKey
		m.apiKeyInput.Focus()
		return m, nil

	case configWrittenMsg:
		m.step = stepDone
		m.configPath = msg.path
		return m, tea.Quit

	case error:
		m.step = stepError
		m.errFinal = msg
		return m, tea.Quit
	}

	return m.updateInputs(msg)
}

func (m initModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return m, tea.Quit
	}
	switch m.step {
	case stepBaseURL:
		return m.handleBaseURLInput(msg)
	case stepAPIKey:
		return m.handleAPIKeyInput(msg)
	case stepEnable:
		return m.handleEnableKey(msg)
	}
	return m, nil
}

func (m initModel) handleBaseURLInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() != "enter" {
		var cmd tea.Cmd
		m.baseURLInput, cmd = m.baseURLInput.Update(msg)
		return m, cmd
	}

	base := strings.TrimRight(strings.TrimSpace(m.baseURLInput.Value()), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		m.validationErr = "address must start with http:// or https://"
		return m, nil
	}
	m.result.BaseURL = base
	m.validationErr = ""
	m.step = stepAPIKey
	m.baseURLInput.Blur()
	m.apiKeyInput.SetValue("")
	m.apiKeyInput.Focus()
	return m, textinput.Blink
}

func (m initModel) handleAPIKeyInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() != "enter" {
		var cmd tea.Cmd
		m.apiKeyInput, cmd = m.apiKeyInput.Update(msg)
		return m, cmd
	}

	key := strings.TrimSpace(m.apiKeyInput.Value())
	if key == "" {
		m.validationErr = "API key must not be empty"
		return m, nil
	}
	m.result.APIKey = key
	m.validationErr = ""
	m.step = stepValidate
	return m, tea.Batch(m.spinner.Tick, validateCredentialCmd(m.result.BaseURL, key))
}

func (m initModel) handleEnableKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if m.enableIdx > 0 {
			m.enableIdx--
		}
	case "down", "j":
		if m.enableIdx < len(enableChoices)-1 {
			m.enableIdx++
		}
	case "enter":
		m.result.Enable = m.enableIdx == 0
		return m, writeConfigCmd(m.result, m.secretStore, m.force)
	case "q":
		return m, tea.Quit
	}
	return m, nil
}

func (m initModel) updateInputs(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch m.step {
	case stepBaseURL:
		m.baseURLInput, cmd = m.baseURLInput.Update(msg)
	case stepAPIKey:
		m.apiKeyInput, cmd = m.apiKeyInput.Update(msg)
	}
	return m, cmd
}

func (m initModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("  Image Loopback Setup  ") + "\n\n")

	switch m.step {
	case stepBaseURL:
		b.WriteString(promptStyle.Render("Step 1/3: Open WebUI address") + "\n\n")
		b.WriteString(m.baseURLInput.View() + "\n")
		m.writeValidationErr(&b)
		b.WriteString("\n" + dimStyle.Render("enter to continue  ctrl+c to quit"))

	case stepAPIKey:
		b.WriteString(promptStyle.Render("Step 2/3: API key for "+m.result.BaseURL) + "\n\n")
		b.WriteString(m.apiKeyInput.View() + "\n")
		m.writeValidationErr(&b)
		b.WriteString("\n" + dimStyle.Render("enter to continue  ctrl+c to quit"))

	case stepValidate:
		b.WriteString(m.spinner.View() + " Checking credential against " + m.result.BaseURL + "…\n")

	case stepEnable:
		b.WriteString(promptStyle.Render(fmt.Sprintf("Step 3/3: Credential accepted (%d models)", m.result.Models)) + "\n\n")
		for i, choice := range enableChoices {
			if i == m.enableIdx {
				b.WriteString(selectedStyle.Render("  > "+choice) + "\n")
			} else {
				b.WriteString(dimStyle.Render("    "+choice) + "\n")
			}
		}
		b.WriteString("\n" + dimStyle.Render("↑/↓ to navigate  enter to select  q to quit"))

	case stepDone:
		b.WriteString(successStyle.Render("  Setup complete!  ") + "\n\n")
		if m.configPath != "" {
			b.WriteString(dimStyle.Render("Config written to: "+m.configPath) + "\n\n")
		}
		b.WriteString("Run " + promptStyle.Render("loopbackd serve") + " and add the filter to your pipelines.\n")

	case stepError:
		b.WriteString(errorStyle.Render("Setup failed: "+m.errFinal.Error()) + "\n")
	}

	return boxStyle.Render(b.String())
}

func (m initModel) writeValidationErr(b *strings.Builder) {
	if m.validationErr != "" {
		b.WriteString("\n" + errorStyle.Render("  "+m.validationErr) + "\n")
	}
}

func validateCredentialCmd(baseURL, key string) tea.Cmd {
	return func() tea.Msg {
		n, err := validateCredential(context.Background(), baseURL, key)
		if err != nil {
			return validationErrorMsg{err: err}
		}
		return validationSuccessMsg{models: n}
	}
}

func writeConfigCmd(result initResult, store secrets.Store, force bool) tea.Cmd {
	return func() tea.Msg {
		path, err := storeSecretAndWriteConfig(result, store, force)
		if err != nil {
			return err
		}
		return configWrittenMsg{path: path}
	}
}

// GenerateConfigYAML produces a minimal loopback.yaml from the wizard
// result. The API key is referenced through the keyring.
func GenerateConfigYAML(result initResult) string {
	var sb strings.Builder
	sb.WriteString("# Image loopback configuration, generated by loopbackd init\n\n")

	sb.WriteString("server:\n")
	sb.WriteString("  listen: \"127.0.0.1:9099\"\n\n")

	sb.WriteString("storage:\n")
	sb.WriteString("  backend: sqlite\n")
	sb.WriteString("  path: loopback.db\n")
	sb.WriteString("  files: openwebui\n\n")

	sb.WriteString("loopback:\n")
	sb.WriteString(fmt.Sprintf("  enable: %t\n", result.Enable))
	sb.WriteString(fmt.Sprintf("  base_url: %q\n", result.BaseURL))
	sb.WriteString(fmt.Sprintf("  api_key: %q\n", secrets.URI(secrets.DefaultService, credentialKey)))
	sb.WriteString("  allowed_tools: [\"generate_image\"]\n")
	sb.WriteString("  max_images: 2\n")
	sb.WriteString("  failure_policy: retry\n\n")

	sb.WriteString("default_provider: openwebui\n")

	return sb.String()
}

// storeSecretAndWriteConfig saves the API key to the keyring and writes the
// config to the default path.
func storeSecretAndWriteConfig(result initResult, store secrets.Store, force bool) (string, error) {
	cfgPath, err := configPathForWrite()
	if err != nil {
		return "", err
	}
	if !force {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return "", sigilerr.Errorf(sigilerr.CodeConfigAlreadyExists,
				"config file already exists at %s; use --force to overwrite", cfgPath)
		}
	}

	if err := store.Store(secrets.DefaultService, credentialKey, result.APIKey); err != nil {
		return "", sigilerr.Errorf(sigilerr.CodeSecretStoreFailure, "storing API key: %w", err)
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", sigilerr.Errorf(sigilerr.CodeConfigLoadReadFailure, "creating config directory %s: %w", dir, err)
	}
	if err := os.WriteFile(cfgPath, []byte(GenerateConfigYAML(result)), 0o600); err != nil {
		return "", sigilerr.Errorf(sigilerr.CodeConfigLoadReadFailure, "writing config to %s: %w", cfgPath, err)
	}
	return cfgPath, nil
}

// configPathForWrite returns the path init writes to. Tests override it.
var configPathForWrite = config.DefaultConfigPath

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		Long: `Run an interactive wizard that asks for the Open WebUI address and API key,
checks the key against the server, and writes loopback.yaml.

The API key is stored in the OS keyring and referenced via a keyring:// URI.
No secret is written to the config file in plain text.`,
		RunE: runInit,
	}

	cmd.Flags().Bool("force", false, "Overwrite existing config file")

	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	f, ok := cmd.InOrStdin().(*os.File)
	if !ok || !isTerminal(f) {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(),
			"loopbackd init requires an interactive terminal.\n"+
				"Use 'loopbackd config init' to write the default config instead.")
		return sigilerr.New(sigilerr.CodeCLISetupFailure, "loopbackd init: not an interactive terminal")
	}

	m := newInitModel(secretStoreFactory())
	m.force, _ = cmd.Flags().GetBool("force")

	finalModel, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		return sigilerr.Errorf(sigilerr.CodeCLISetupFailure, "init wizard error: %w", err)
	}

	fm, ok := finalModel.(initModel)
	if !ok {
		return sigilerr.New(sigilerr.CodeCLISetupFailure, "unexpected model type after wizard")
	}
	if fm.errFinal != nil {
		return sigilerr.Errorf(sigilerr.CodeCLISetupFailure, "init failed: %w", fm.errFinal)
	}
	if fm.step == stepDone {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", fm.configPath)
	}
	return nil
}

// isTerminal reports whether f is a terminal file descriptor.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
