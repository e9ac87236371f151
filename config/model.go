package config

// Root is the main yaml config object
type Root struct {
	HTTPGlobal *HTTPGlobal    `yaml:"http"`
	Torrent    *TorrentGlobal `yaml:"torrent"`
	Search     *Search        `yaml:"search"`
	Watch      *Watch         `yaml:"watch"`
	Log        *Log           `yaml:"log"`
}

type Log struct {
	Debug      bool   `yaml:"debug"`
	MaxBackups int    `yaml:"max_backups"`
	MaxSize    int    `yaml:"max_size"`
	MaxAge     int    `yaml:"max_age"`
	Path       string `yaml:"path"`
}

type TorrentGlobal struct {
	// DownloadFolder is where sessions store data when added without a target.
	DownloadFolder    string  `yaml:"download_folder,omitempty"`
	MetadataFolder    string  `yaml:"metadata_folder,omitempty"`
	PollIntervalMs    int     `yaml:"poll_interval_ms,omitempty"`
	Seed              bool    `yaml:"seed,omitempty"`
	DisableIPv6       bool    `yaml:"disable_ipv6,omitempty"`
	DisableTCP        bool    `yaml:"disable_tcp,omitempty"`
	DisableUTP        bool    `yaml:"disable_utp,omitempty"`
	IP                string  `yaml:"ip,omitempty"`
	ListenPort        int     `yaml:"listen_port,omitempty"`
	DownloadLimitMbit float64 `yaml:"download_limit_mbit,omitempty"`
	UploadLimitMbit   float64 `yaml:"upload_limit_mbit,omitempty"`
	// Seed gathering: optional list of extra trackers and/or URL to fetch a list
	ExtraTrackers    []string `yaml:"extra_trackers,omitempty" json:"extra_trackers,omitempty"`
	ExtraTrackersURL string   `yaml:"extra_trackers_url,omitempty" json:"extra_trackers_url,omitempty"`
}

type HTTPGlobal struct {
	Port int    `yaml:"port"`
	IP   string `yaml:"ip"`
}

type Search struct {
	YTSURL            string `yaml:"yts_url,omitempty"`
	TimeoutSeconds    int    `yaml:"timeout_seconds,omitempty"`
	Limit             int    `yaml:"limit,omitempty"`
	RequestsPerMinute int    `yaml:"requests_per_minute,omitempty"`
}

// Watch configures the folder scanned for .magnet files. Disabled when Folder
// is empty.
type Watch struct {
	Folder          string `yaml:"folder,omitempty"`
	IntervalSeconds int    `yaml:"interval_seconds,omitempty"`
}

func AddDefaults(r *Root) *Root {
	if r.Torrent == nil {
		r.Torrent = &TorrentGlobal{}
	}

	if r.Torrent.DownloadFolder == "" {
		r.Torrent.DownloadFolder = downloadFolder
	}

	if r.Torrent.MetadataFolder == "" {
		r.Torrent.MetadataFolder = metadataFolder
	}

	if r.Torrent.PollIntervalMs == 0 {
		r.Torrent.PollIntervalMs = 1000
	}

	if r.HTTPGlobal == nil {
		r.HTTPGlobal = &HTTPGlobal{}
	}

	if r.HTTPGlobal.IP == "" {
		r.HTTPGlobal.IP = "0.0.0.0"
	}

	if r.HTTPGlobal.Port == 0 {
		r.HTTPGlobal.Port = 4444
	}

	if r.Search == nil {
		r.Search = &Search{}
	}

	if r.Search.YTSURL == "" {
		r.Search.YTSURL = "https://yts.mx/api/v2"
	}

	if r.Search.TimeoutSeconds == 0 {
		r.Search.TimeoutSeconds = 15
	}

	if r.Search.Limit == 0 {
		r.Search.Limit = 20
	}

	if r.Search.RequestsPerMinute == 0 {
		r.Search.RequestsPerMinute = 30
	}

	if r.Watch == nil {
		r.Watch = &Watch{}
	}

	if r.Watch.IntervalSeconds == 0 {
		r.Watch.IntervalSeconds = 5
	}

	if r.Log == nil {
		r.Log = &Log{}
	}

	if r.Log.Path == "" {
		r.Log.Path = logFolder
	}

	return r
}
