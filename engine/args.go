package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/patdz/aria2rpc/config"
)

const (
	sessionName = "aria2.session"
	dhtName     = "dht.dat"
	dht6Name    = "dht6.dat"

	saveSessionInterval = 10 // seconds
)

// prepareDataDir creates dir and an empty session file if they are missing.
func prepareDataDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create data dir %s", dir)
	}
	session := filepath.Join(dir, sessionName)
	f, err := os.OpenFile(session, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create session file %s", session)
	}
	return f.Close()
}

// buildArgs returns the full engine command line for cfg. The proxy password
// is written to a conf file in dir instead of being passed as a flag; without
// one, any stale conf file is removed and the default conf is disabled.
func buildArgs(cfg *config.Config, dir string) ([]string, error) {
	session := filepath.Join(dir, sessionName)

	args := cfg.EngineArgs()
	args = append(args,
		fmt.Sprintf("--save-session=%s", session),
		fmt.Sprintf("--input-file=%s", session),
		fmt.Sprintf("--save-session-interval=%d", saveSessionInterval),
		fmt.Sprintf("--dht-file-path=%s", filepath.Join(dir, dhtName)),
		fmt.Sprintf("--dht-file-path6=%s", filepath.Join(dir, dht6Name)),
	)

	conf := filepath.Join(dir, confName)
	if cfg.ProxyEnabled && cfg.ProxyPassword != "" {
		if err := writeConf(conf, cfg.ProxyPassword); err != nil {
			return nil, err
		}
		return append(args, "--conf-path="+conf), nil
	}
	removeConf(conf)
	return append(args, "--no-conf"), nil
}
