// Package torrent reads the file list of a .torrent before it is handed to
// the engine, so a caller can pick files with the select-file option.
package torrent

import (
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"
)

type File struct {
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

type Torrent struct {
	Name     string `json:"name"`
	Comment  string `json:"comment"`
	InfoHash string `json:"infoHash"`
	Files    []File `json:"files"`
}

// TotalLength is the sum of all file lengths.
func (t *Torrent) TotalLength() int64 {
	var n int64
	for _, f := range t.Files {
		n += f.Length
	}
	return n
}

// Inspect loads the torrent at path. Paths of multi-file torrents are
// relative to the torrent name and use '/' as separator; a single-file
// torrent has one entry named after the torrent.
func Inspect(path string) (*Torrent, error) {
	mi, err := metainfo.LoadFromFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load torrent %s", path)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, errors.Wrapf(err, "decode info of %s", path)
	}

	t := &Torrent{
		Name:     info.BestName(),
		Comment:  mi.Comment,
		InfoHash: mi.HashInfoBytes().HexString(),
	}
	if !info.IsDir() {
		t.Files = []File{{Index: 0, Path: t.Name, Length: info.Length}}
		return t, nil
	}
	for i, f := range info.Files {
		t.Files = append(t.Files, File{
			Index:  i,
			Path:   strings.Join(f.BestPath(), "/"),
			Length: f.Length,
		})
	}
	return t, nil
}
