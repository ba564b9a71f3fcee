package main

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/patdz/aria2rpc"
	"github.com/patdz/aria2rpc/launch"
	"github.com/patdz/aria2rpc/power"
	"github.com/patdz/aria2rpc/proto"
	"github.com/patdz/aria2rpc/torrent"
	"github.com/patdz/aria2rpc/trackers"
)

// engineClient is the part of the call surface the daemon drives.
type engineClient interface {
	AddURI(ctx context.Context, uris []string, options aria2rpc.TaskOptions) (string, error)
	AddTorrentFile(ctx context.Context, path string, options aria2rpc.TaskOptions) (string, error)
	GetGlobalStat(ctx context.Context) (*proto.GlobalStat, error)
	ChangeGlobalOption(ctx context.Context, options aria2rpc.TaskOptions) (json.RawMessage, error)
}

type daemon struct {
	client    engineClient
	inhibitor *power.Inhibitor // nil when sleep prevention is off
	fetcher   trackers.Fetcher
}

// addDownloads queues each launch argument; .torrent paths are checked and
// uploaded, everything else is added as a URI.
func (d *daemon) addDownloads(ctx context.Context, args []string) {
	for _, arg := range args {
		var gid string
		var err error
		if launch.IsTorrentFile(arg) {
			tor, ierr := torrent.Inspect(arg)
			if ierr != nil {
				logrus.Warnf("skipping %s: %v", arg, ierr)
				continue
			}
			logrus.Infof("torrent %q: %d files, %d bytes", tor.Name, len(tor.Files), tor.TotalLength())
			gid, err = d.client.AddTorrentFile(ctx, arg, nil)
		} else {
			gid, err = d.client.AddURI(ctx, []string{arg}, nil)
		}
		if err != nil {
			logrus.Warnf("add %s: %v", arg, err)
			continue
		}
		logrus.Infof("added %s as %s", arg, gid)
	}
}

func (d *daemon) syncTrackers(ctx context.Context, sources []string) {
	list := d.fetcher.Fetch(ctx, sources)
	if len(list) == 0 {
		logrus.Warn("tracker sync: no trackers fetched")
		return
	}
	if _, err := d.client.ChangeGlobalOption(ctx, aria2rpc.TaskOptions{"bt-tracker": trackers.Join(list)}); err != nil {
		logrus.Warnf("tracker sync: %v", err)
		return
	}
	logrus.Infof("tracker sync: %d trackers", len(list))
}

// handleEvent keeps the machine awake from the first started download until
// the engine reports nothing active.
func (d *daemon) handleEvent(ctx context.Context, ev proto.Event) {
	logrus.Debugf("task %s: %s", ev.GID, ev.Kind)
	if d.inhibitor == nil {
		return
	}
	if ev.Kind == proto.EventDownloadStart {
		if err := d.inhibitor.Prevent(ctx); err != nil {
			logrus.Warnf("%v", err)
		}
		return
	}

	stat, err := d.client.GetGlobalStat(ctx)
	if err != nil {
		logrus.Warnf("global stat: %v", err)
		return
	}
	if active, err := strconv.Atoi(stat.NumActive); err == nil && active == 0 {
		if err := d.inhibitor.Allow(); err != nil {
			logrus.Warnf("%v", err)
		}
	}
}
