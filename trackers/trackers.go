// Package trackers downloads public BitTorrent tracker lists.
package trackers

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const fetchTimeout = 15 * time.Second

// Fetcher downloads tracker lists with Client, or with a client limited to
// 15 seconds per request when Client is nil.
type Fetcher struct {
	Client *http.Client
}

// Fetch downloads every source, one tracker per line, and returns the
// trackers in source order without blanks or duplicates. A failing source is
// logged and skipped.
func (f Fetcher) Fetch(ctx context.Context, sources []string) []string {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}

	var all []string
	seen := make(map[string]struct{})
	for _, source := range sources {
		list, err := fetchOne(ctx, client, source)
		if err != nil {
			logrus.Warnf("trackers: fetch %s: %v", source, err)
			continue
		}
		for _, tracker := range list {
			if _, ok := seen[tracker]; ok {
				continue
			}
			seen[tracker] = struct{}{}
			all = append(all, tracker)
		}
	}
	return all
}

// Fetch is Fetcher{}.Fetch.
func Fetch(ctx context.Context, sources []string) []string {
	return Fetcher{}.Fetch(ctx, sources)
}

func fetchOne(ctx context.Context, client *http.Client, source string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("HTTP %s", resp.Status)
	}

	var list []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			list = append(list, line)
		}
	}
	return list, errors.Wrap(scanner.Err(), "read body")
}

// Join formats trackers as the engine's comma separated bt-tracker value.
func Join(trackers []string) string {
	return strings.Join(trackers, ",")
}
