package hub

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ncsurobotics/libseawolf/internal/hublog"
)

// maxConfigLineLen is the hard per-line cap for every flat-text file the
// hub reads (config, variable definitions, persistent-values); exceeding it
// is a fatal parse error naming the offending line (§4.8).
const maxConfigLineLen = 512

// Config holds the fully-resolved server configuration (§6). The CLI front
// end is responsible for producing one of these; everything downstream
// takes it as a value, never re-reads flags or files itself.
type Config struct {
	BindAddress        string
	BindPort           int
	Password           string
	VarDefs            string
	VarDB              string
	LogFile            string
	LogLevel           hublog.Level
	LogReplicateStdout bool
}

// DefaultConfig returns the documented defaults (§6).
func DefaultConfig() Config {
	return Config{
		BindAddress:        "127.0.0.1",
		BindPort:           31427,
		Password:           "",
		VarDefs:            "seawolf_var.defs",
		VarDB:              "seawolf_var.db",
		LogFile:            "",
		LogLevel:           hublog.NORMAL,
		LogReplicateStdout: true,
	}
}

// DiscoverConfigPath implements the config-file discovery order when none
// is given on the command line: $HOME/.swhubrc, then
// /etc/seawolf_hub.conf. Returns ok=false if neither exists, in which case
// the caller runs with defaults and logs a warning (§6).
func DiscoverConfigPath() (path string, ok bool) {
	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".swhubrc")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}

	const systemPath = "/etc/seawolf_hub.conf"
	if _, err := os.Stat(systemPath); err == nil {
		return systemPath, true
	}

	return "", false
}

// kv is one parsed "key = value" line, with its 1-based source line number
// for error reporting.
type kv struct {
	line  int
	key   string
	value string
}

// parseKVFile reads path under the shared flat-text syntax (§4.8): '#'
// starts a line comment, blank lines are ignored, everything else is
// "key = value" with insignificant whitespace trimmed around key and value
// (internal whitespace in value is preserved). A line over
// maxConfigLineLen bytes is a fatal parse error.
func parseKVFile(path string) ([]kv, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []kv
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, maxConfigLineLen+1), maxConfigLineLen+1)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()

		if len(raw) > maxConfigLineLen {
			return nil, fmt.Errorf("%s:%d: line exceeds maximum length of %d bytes", path, lineNo, maxConfigLineLen)
		}

		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, fmt.Errorf("%s:%d: expected \"key = value\", got %q", path, lineNo, raw)
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key == "" {
			return nil, fmt.Errorf("%s:%d: empty key", path, lineNo)
		}

		out = append(out, kv{line: lineNo, key: key, value: value})
	}

	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return nil, fmt.Errorf("%s:%d: line exceeds maximum length of %d bytes", path, lineNo+1, maxConfigLineLen)
		}
		return nil, err
	}

	return out, nil
}

// LoadConfig reads path and overlays it on DefaultConfig. Any parse or
// range violation is fatal at startup, per §4.8/§7.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	entries, err := parseKVFile(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}

	for _, e := range entries {
		switch e.key {
		case "bind_address":
			cfg.BindAddress = e.value
		case "bind_port":
			port, err := strconv.Atoi(e.value)
			if err != nil {
				return cfg, fmt.Errorf("%s:%d: bind_port: %w", path, e.line, err)
			}
			if port < 0 || port > 65535 {
				return cfg, fmt.Errorf("%s:%d: bind_port: %d out of range 0-65535", path, e.line, port)
			}
			cfg.BindPort = port
		case "password":
			cfg.Password = e.value
		case "var_defs":
			cfg.VarDefs = e.value
		case "var_db":
			cfg.VarDB = e.value
		case "log_file":
			cfg.LogFile = e.value
		case "log_level":
			lvl, err := hublog.ParseLevel(e.value)
			if err != nil {
				return cfg, fmt.Errorf("%s:%d: log_level: %w", path, e.line, err)
			}
			cfg.LogLevel = lvl
		case "log_replicate_stdout":
			b, err := parseBool(e.value)
			if err != nil {
				return cfg, fmt.Errorf("%s:%d: log_replicate_stdout: %w", path, e.line, err)
			}
			cfg.LogReplicateStdout = b
		default:
			// original_source/src/hub/config.c's Hub_Config_readFile only
			// warns on an option it doesn't recognize and keeps applying the
			// rest of the file; it is not a fatal error.
			fmt.Fprintf(os.Stderr, "hub: %s:%d: unknown configuration option %q\n", path, e.line, e.key)
		}
	}

	return cfg, nil
}

func parseBool(s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("expected 0 or 1, got %q", s)
}

// LoadVariableDefinitions parses the variable definitions file (§4.8, §6):
// each line is "name = default, persistent, readonly". Variable names must
// be unique; any parse or range violation is fatal. A blank path or a
// missing file is also fatal: original_source/src/hub/var.c's
// Hub_Var_readDefinitions treats "var_defs == NULL || !Hub_fileExists(var_defs)"
// as an immediate Hub_exitError(), unlike the persistent-values database,
// which is allowed to not exist yet (see LoadPersistentValues).
func LoadVariableDefinitions(path string) (*VariableStore, error) {
	if path == "" {
		return nil, fmt.Errorf("no variable definitions file specified in configuration")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("could not open variable definitions file %q: %w", path, err)
	}

	store := NewVariableStore()

	entries, err := parseKVFile(path)
	if err != nil {
		return nil, fmt.Errorf("load variable definitions: %w", err)
	}

	for _, e := range entries {
		if _, exists := store.Get(e.key); exists {
			return nil, fmt.Errorf("%s:%d: duplicate variable name %q", path, e.line, e.key)
		}

		fields := strings.Split(e.value, ",")
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s:%d: expected \"default, persistent, readonly\", got %q", path, e.line, e.value)
		}

		def, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: default value: %w", path, e.line, err)
		}

		persistent, err := parseBool(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil, fmt.Errorf("%s:%d: persistent flag: %w", path, e.line, err)
		}

		readonly, err := parseBool(strings.TrimSpace(fields[2]))
		if err != nil {
			return nil, fmt.Errorf("%s:%d: readonly flag: %w", path, e.line, err)
		}

		store.define(e.key, def, persistent, readonly)
	}

	return store, nil
}

// LoadPersistentValues reads the persistent-values file and overlays it
// onto store's initial values (§4.8, §6). Every key here must name a
// declared variable; a name not present in the definitions at all is
// fatal, but a name present and declared non-persistent merely logs a
// warning and is still loaded (§4.8). A blank path is fatal --
// original_source/src/hub/var.c's Hub_Var_readPersistentValues treats
// var_db == NULL as an immediate Hub_exitError(), because the database is
// not optional. If the named file doesn't exist yet, it is created empty
// and every persistent variable keeps its definitions-file default
// (var.c:121-127): persistence is never disabled.
func LoadPersistentValues(path string, store *VariableStore, log *hublog.Logger) error {
	if path == "" {
		return fmt.Errorf("no variable database specified in configuration")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("create variable database %s: %w", path, err)
		}
		return f.Close()
	}

	entries, err := parseKVFile(path)
	if err != nil {
		return fmt.Errorf("load persistent values: %w", err)
	}

	for _, e := range entries {
		v, ok := store.Get(e.key)
		if !ok {
			return fmt.Errorf("%s:%d: %q is not a declared variable", path, e.line, e.key)
		}

		if !v.Persistent() {
			log.Warning("persistent-values file declares %q, which is not marked persistent in the definitions", e.key)
		}

		val, err := strconv.ParseFloat(e.value, 64)
		if err != nil {
			return fmt.Errorf("%s:%d: value: %w", path, e.line, err)
		}

		v.mu.Lock()
		v.value = val
		v.mu.Unlock()
	}

	return nil
}
