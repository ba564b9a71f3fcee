// Package launch picks the downloads out of a command line, e.g. when the
// program is started as a URL or .torrent handler.
package launch

import (
	"os"
	"strings"
)

var schemes = []string{"http://", "https://", "ftp://", "magnet:", "thunder://", "motrix://"}

// ParseArgs returns the arguments after the program name that are
// downloadable URLs or paths of existing .torrent files, in order.
func ParseArgs(argv []string) []string {
	if len(argv) < 2 {
		return nil
	}
	var out []string
	for _, arg := range argv[1:] {
		if IsDownloadURL(arg) || IsTorrentFile(arg) {
			out = append(out, arg)
		}
	}
	return out
}

func IsDownloadURL(s string) bool {
	lower := strings.ToLower(s)
	for _, scheme := range schemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

func IsTorrentFile(s string) bool {
	if !strings.HasSuffix(strings.ToLower(s), ".torrent") {
		return false
	}
	_, err := os.Stat(s)
	return err == nil
}
