// Package config reads the daemon's flat, boolean-only configuration
// files: the global lsmd.conf and the per-plugin pluginconf.d/<name>.conf
// files. Both follow the same libconfig-flavored "key = value;" grammar.
package config

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mvo5/goconfigparser"
	"github.com/pkg/errors"
)

const (
	// GlobalFileName is the name of the global config file under confdir.
	GlobalFileName = "lsmd.conf"
	// PluginConfDirName is the subdirectory under confdir holding
	// per-plugin config files.
	PluginConfDirName = "pluginconf.d"

	allowRootOption   = "allow-plugin-root-privilege"
	requireRootOption = "require-root-privilege"
	syntheticSection  = "default"
)

var commentRE = regexp.MustCompile(`(^|[^\\])(//|#).*$`)

// Global holds the daemon-wide options read from lsmd.conf.
type Global struct {
	AllowPluginRootPrivilege bool
}

// LoadGlobal reads <confDir>/lsmd.conf. A missing file leaves the
// returned Global at its zero value (AllowPluginRootPrivilege=false). A
// malformed file is a fatal error.
func LoadGlobal(confDir string) (Global, error) {
	g := Global{}
	path := filepath.Join(confDir, GlobalFileName)
	ok, err := readBool(path, allowRootOption, &g.AllowPluginRootPrivilege)
	if err != nil {
		return Global{}, errors.Wrapf(err, "parsing %s", path)
	}
	_ = ok
	return g, nil
}

// PluginRequiresRoot reads <confDir>/pluginconf.d/<pluginName>.conf and
// returns the require-root-privilege key, defaulting to false if the
// file or key is absent.
func PluginRequiresRoot(confDir, pluginName string) (bool, error) {
	requireRoot := false
	path := filepath.Join(confDir, PluginConfDirName, pluginName+".conf")
	if _, err := readBool(path, requireRootOption, &requireRoot); err != nil {
		return false, errors.Wrapf(err, "parsing %s", path)
	}
	return requireRoot, nil
}

// readBool parses path (if it exists) and, if key is present, stores its
// boolean value into out. It reports whether the file existed.
func readBool(path, key string, out *bool) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "opening config file")
	}
	defer f.Close()

	normalized, err := normalize(f)
	if err != nil {
		return true, errors.Wrap(err, "reading config file")
	}

	cfg := goconfigparser.New()
	if err := cfg.Read(strings.NewReader(normalized)); err != nil {
		return true, errors.Wrap(err, "malformed config file")
	}

	v, err := cfg.GetBool(syntheticSection, key)
	if err != nil {
		// Missing key (or missing section, which means no keys were
		// set) is not an error: absence keeps the default.
		return true, nil
	}
	*out = v
	return true, nil
}

// normalize rewrites the libconfig-flavored "key = value;" grammar (line
// comments, trailing semicolons, arbitrary whitespace) into the plain
// "key=value" lines goconfigparser's ini-style reader expects, under a
// single synthetic section header since the on-disk files carry none.
func normalize(r *os.File) (string, error) {
	var b strings.Builder
	b.WriteString("[" + syntheticSection + "]\n")

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := commentRE.ReplaceAllString(scanner.Text(), "$1")
		line = strings.TrimSpace(line)
		line = strings.TrimSuffix(line, ";")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			return "", errors.Errorf("invalid config line %q", line)
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		val = strings.Trim(val, `"`)
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(val)
		b.WriteString("\n")
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return b.String(), nil
}
