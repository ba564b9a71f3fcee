package aria2rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/patdz/aria2rpc/helper"
	"github.com/patdz/aria2rpc/proto"
)

// Options accepted by the engine for a task or globally, e.g.
// {"dir": "/tmp", "max-download-limit": "1M"}.
type TaskOptions map[string]string

// Queue positioning modes for ChangePosition.
const (
	PosSet = "POS_SET"
	PosCur = "POS_CUR"
	PosEnd = "POS_END"
)

// Task list selectors for TaskList.
const (
	ListActive  = "active"
	ListWaiting = "waiting"
	ListStopped = "stopped"
)

const (
	waitingListLimit = 1000
	stoppedListLimit = 10000
)

func (client *Client) callString(ctx context.Context, method string, params ...interface{}) (string, error) {
	result, err := client.Call(ctx, method, params...)
	if err != nil {
		return "", err
	}
	var v interface{}
	if err := json.Unmarshal(result, &v); err != nil {
		return "", ErrInvalidResponse
	}
	s, ok := helper.Interface2String(v)
	if !ok {
		return "", ErrInvalidResponse
	}
	return s, nil
}

func withOptions(params []interface{}, options TaskOptions) []interface{} {
	if options != nil {
		params = append(params, options)
	}
	return params
}

// AddURI adds a download of the given URIs, which must point to the same
// resource, and returns its gid.
func (client *Client) AddURI(ctx context.Context, uris []string, options TaskOptions) (string, error) {
	return client.callString(ctx, "addUri", withOptions([]interface{}{uris}, options)...)
}

// AddTorrent adds a base64-encoded torrent and returns its gid.
func (client *Client) AddTorrent(ctx context.Context, torrent string, options TaskOptions) (string, error) {
	return client.callString(ctx, "addTorrent", withOptions([]interface{}{torrent, []string{}}, options)...)
}

// AddTorrentFile reads a torrent file and adds it.
func (client *Client) AddTorrentFile(ctx context.Context, path string, options TaskOptions) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "read torrent file")
	}
	return client.AddTorrent(ctx, base64.StdEncoding.EncodeToString(data), options)
}

// AddMetalink adds a base64-encoded metalink and returns the gids of the
// downloads it describes.
func (client *Client) AddMetalink(ctx context.Context, metalink string, options TaskOptions) ([]string, error) {
	result, err := client.Call(ctx, "addMetalink", withOptions([]interface{}{metalink}, options)...)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal(result, &v); err != nil {
		return nil, ErrInvalidResponse
	}
	gids, ok := helper.Interface2StringVector(v)
	if !ok {
		return nil, ErrInvalidResponse
	}
	return gids, nil
}

// AddMetalinkFile reads a metalink file and adds it.
func (client *Client) AddMetalinkFile(ctx context.Context, path string, options TaskOptions) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read metalink file")
	}
	return client.AddMetalink(ctx, base64.StdEncoding.EncodeToString(data), options)
}

func (client *Client) Pause(ctx context.Context, gid string) (string, error) {
	return client.callString(ctx, "pause", gid)
}

func (client *Client) Unpause(ctx context.Context, gid string) (string, error) {
	return client.callString(ctx, "unpause", gid)
}

func (client *Client) Remove(ctx context.Context, gid string) (string, error) {
	return client.callString(ctx, "remove", gid)
}

// ForcePause pauses without waiting for tracker round trips; BitTorrent
// tasks need it to pause promptly.
func (client *Client) ForcePause(ctx context.Context, gid string) (string, error) {
	return client.callString(ctx, "forcePause", gid)
}

func (client *Client) ForceRemove(ctx context.Context, gid string) (string, error) {
	return client.callString(ctx, "forceRemove", gid)
}

func (client *Client) TellStatus(ctx context.Context, gid string) (json.RawMessage, error) {
	return client.Call(ctx, "tellStatus", gid)
}

func (client *Client) TellActive(ctx context.Context) (json.RawMessage, error) {
	return client.Call(ctx, "tellActive")
}

func (client *Client) TellWaiting(ctx context.Context, offset, num int) (json.RawMessage, error) {
	return client.Call(ctx, "tellWaiting", offset, num)
}

func (client *Client) TellStopped(ctx context.Context, offset, num int) (json.RawMessage, error) {
	return client.Call(ctx, "tellStopped", offset, num)
}

// TaskList returns the tasks of one list. The active list also includes
// every waiting task, after the active ones. Unknown kinds return the
// active tasks only.
func (client *Client) TaskList(ctx context.Context, kind string) ([]interface{}, error) {
	switch kind {
	case ListActive:
		tasks, err := client.taskVector(client.TellActive(ctx))
		if err != nil {
			return nil, err
		}
		more, err := client.taskVector(client.TellWaiting(ctx, 0, waitingListLimit))
		if err != nil {
			return nil, err
		}
		return append(tasks, more...), nil
	case ListWaiting:
		return client.taskVector(client.TellWaiting(ctx, 0, waitingListLimit))
	case ListStopped:
		return client.taskVector(client.TellStopped(ctx, 0, stoppedListLimit))
	default:
		return client.taskVector(client.TellActive(ctx))
	}
}

func (client *Client) taskVector(raw json.RawMessage, err error) ([]interface{}, error) {
	if err != nil {
		return nil, err
	}
	tasks, ok := helper.RawVector(raw)
	if !ok {
		return nil, ErrInvalidResponse
	}
	return tasks, nil
}

func (client *Client) GetGlobalStat(ctx context.Context) (*proto.GlobalStat, error) {
	result, err := client.Call(ctx, "getGlobalStat")
	if err != nil {
		return nil, err
	}
	var stat proto.GlobalStat
	if err := json.Unmarshal(result, &stat); err != nil {
		return nil, ErrInvalidResponse
	}
	return &stat, nil
}

func (client *Client) ChangeGlobalOption(ctx context.Context, options TaskOptions) (json.RawMessage, error) {
	return client.Call(ctx, "changeGlobalOption", options)
}

func (client *Client) ChangeOption(ctx context.Context, gid string, options TaskOptions) (json.RawMessage, error) {
	return client.Call(ctx, "changeOption", gid, options)
}

// ChangePosition moves a waiting task within the queue. how is one of
// PosSet, PosCur or PosEnd.
func (client *Client) ChangePosition(ctx context.Context, gid string, pos int, how string) (json.RawMessage, error) {
	return client.Call(ctx, "changePosition", gid, pos, how)
}

func (client *Client) PauseAll(ctx context.Context) (json.RawMessage, error) {
	return client.Call(ctx, "pauseAll")
}

func (client *Client) UnpauseAll(ctx context.Context) (json.RawMessage, error) {
	return client.Call(ctx, "unpauseAll")
}

// RemoveDownloadResult clears the record of a completed, failed or removed
// task.
func (client *Client) RemoveDownloadResult(ctx context.Context, gid string) (json.RawMessage, error) {
	return client.Call(ctx, "removeDownloadResult", gid)
}

func (client *Client) PurgeDownloadResult(ctx context.Context) (json.RawMessage, error) {
	return client.Call(ctx, "purgeDownloadResult")
}

func (client *Client) SaveSession(ctx context.Context) (json.RawMessage, error) {
	return client.Call(ctx, "saveSession")
}

func (client *Client) GetVersion(ctx context.Context) (json.RawMessage, error) {
	return client.Call(ctx, "getVersion")
}

func (client *Client) GetPeers(ctx context.Context, gid string) (json.RawMessage, error) {
	return client.Call(ctx, "getPeers", gid)
}

// Shutdown saves the session and asks the engine to exit. A failed save
// does not prevent the shutdown request.
func (client *Client) Shutdown(ctx context.Context) (json.RawMessage, error) {
	_, _ = client.SaveSession(ctx)
	return client.Call(ctx, "shutdown")
}
