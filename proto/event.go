package proto

// EventKind is the closed set of task events handed to the event sink.
type EventKind string

const (
	EventDownloadStart      EventKind = "download_start"
	EventDownloadPause      EventKind = "download_pause"
	EventDownloadStop       EventKind = "download_stop"
	EventDownloadComplete   EventKind = "download_complete"
	EventDownloadError      EventKind = "download_error"
	EventBtDownloadComplete EventKind = "bt_download_complete"
)

// Event is a task state transition reported by the engine.
type Event struct {
	Kind EventKind `json:"eventType"`
	GID  string    `json:"gid"`
}

// ConnectionStatus is reported to the event sink whenever the connection to
// the engine goes down or comes back.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// GlobalStat mirrors the engine's aria2.getGlobalStat reply. The engine
// encodes every number as a decimal string.
type GlobalStat struct {
	DownloadSpeed   string `json:"downloadSpeed"`
	UploadSpeed     string `json:"uploadSpeed"`
	NumActive       string `json:"numActive"`
	NumWaiting      string `json:"numWaiting"`
	NumStopped      string `json:"numStopped"`
	NumStoppedTotal string `json:"numStoppedTotal"`
}
