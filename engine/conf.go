package engine

import (
	"bytes"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

const (
	confName       = "aria2.conf"
	keyProxyPasswd = "all-proxy-passwd"
)

func init() {
	// The engine reads plain name=value lines.
	ini.PrettyFormat = false
	ini.PrettyEqual = false
}

// writeConf writes the options that must not show up in the process list to
// a file only the current user can read.
func writeConf(path string, proxyPassword string) error {
	if strings.ContainsAny(proxyPassword, "\r\n`") {
		return errors.New("proxy password contains characters the engine conf file cannot hold")
	}
	// ini quotes values with surrounding blanks and the engine would keep
	// the quotes as part of the password.
	if strings.TrimSpace(proxyPassword) != proxyPassword {
		return errors.New("proxy password has leading or trailing whitespace")
	}

	conf := ini.Empty(ini.LoadOptions{IgnoreInlineComment: true})
	if _, err := conf.Section("").NewKey(keyProxyPasswd, proxyPassword); err != nil {
		return errors.Wrap(err, "build engine conf")
	}

	var buf bytes.Buffer
	if _, err := conf.WriteTo(&buf); err != nil {
		return errors.Wrap(err, "render engine conf")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	// WriteFile keeps the mode of an existing file.
	return errors.Wrapf(os.Chmod(path, 0o600), "chmod %s", path)
}

func removeConf(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logrus.Warnf("engine: remove stale %s: %v", path, err)
	}
}
