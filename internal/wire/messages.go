package wire

// Kind discriminates the tagged-sum body carried by an Envelope frame.
type Kind string

const (
	KindRequest      Kind = "request"
	KindCacheOp      Kind = "cache_op"
	KindPing         Kind = "ping"
	KindReplyChunk   Kind = "reply_chunk"
	KindReplyHeaders Kind = "reply_headers"
	KindReplyEnd     Kind = "reply_end"
	KindEvent        Kind = "event"
	KindCancelOp     Kind = "cancel_op"
	KindQuit         Kind = "quit"
	KindCacheResult  Kind = "cache_result"
)

// RequestKind identifies the protocol a data-plane request targets.
type RequestKind string

const (
	RequestOwsOgc      RequestKind = "ows_ogc"
	RequestApi         RequestKind = "api"
	RequestCollections RequestKind = "collections"
	RequestAdmin       RequestKind = "admin"
)

// CacheOpKind enumerates the cache-manager operation set.
type CacheOpKind string

const (
	CacheOpCheckout   CacheOpKind = "checkout"
	CacheOpDrop       CacheOpKind = "drop"
	CacheOpList       CacheOpKind = "list"
	CacheOpClear      CacheOpKind = "clear"
	CacheOpUpdate     CacheOpKind = "update"
	CacheOpCatalog    CacheOpKind = "catalog"
	CacheOpInfo       CacheOpKind = "info"
	CacheOpPlugins    CacheOpKind = "plugins"
	CacheOpGetConfig  CacheOpKind = "get_config"
	CacheOpPutConfig  CacheOpKind = "put_config"
	CacheOpGetEnv     CacheOpKind = "get_env"
)

// Envelope is the single frame body type; exactly one of the payload
// pointers is set, selected by Kind. This is the Go rendering of a
// tagged-sum body as a flat struct with omitempty fields, covering the
// full message set rather than a single request/response pair.
type Envelope struct {
	Kind Kind   `msgpack:"kind"`
	ID   uint64 `msgpack:"id"`

	Request      *RequestPayload      `msgpack:"request,omitempty"`
	CacheOp      *CacheOpPayload      `msgpack:"cache_op,omitempty"`
	Ping         *PingPayload         `msgpack:"ping,omitempty"`
	ReplyChunk   *ReplyChunkPayload   `msgpack:"reply_chunk,omitempty"`
	ReplyHeaders *ReplyHeadersPayload `msgpack:"reply_headers,omitempty"`
	ReplyEnd     *ReplyEndPayload     `msgpack:"reply_end,omitempty"`
	Event        *EventPayload        `msgpack:"event,omitempty"`
	CancelOp     *CancelOpPayload     `msgpack:"cancel_op,omitempty"`
	CacheResult  *CacheResultPayload  `msgpack:"cache_result,omitempty"`
}

// CacheResultPayload carries the outcome of a CacheOpPayload back to the
// parent. Exactly the fields relevant to the originating CacheOpKind are
// set; Error is set instead of any result field when the operation
// failed inside the child.
type CacheResultPayload struct {
	Status  CheckoutStatus    `msgpack:"status,omitempty"`
	Info    *CacheInfo        `msgpack:"info,omitempty"`
	List    []CacheInfo       `msgpack:"list,omitempty"`
	Project *ProjectInfo      `msgpack:"project,omitempty"`
	Catalog []CatalogItem     `msgpack:"catalog,omitempty"`
	Plugins []PluginInfo      `msgpack:"plugins,omitempty"`
	Config  []byte            `msgpack:"config,omitempty"`
	Env     map[string]string `msgpack:"env,omitempty"`
	Error   string            `msgpack:"error,omitempty"`
}

// RequestPayload carries a data-plane request: the HTTP-shaped method,
// path, headers, and body a child needs to render a response.
type RequestPayload struct {
	Kind       RequestKind         `msgpack:"kind"`
	Method     string              `msgpack:"method"`
	URL        string              `msgpack:"url"`
	Target     string              `msgpack:"target,omitempty"` // project URI, if any
	Direct     bool                `msgpack:"direct,omitempty"`
	Headers    map[string][]string `msgpack:"headers"`
	Body       []byte              `msgpack:"body,omitempty"`
	RequestID  string              `msgpack:"request_id"`
	TimeoutMs  int                 `msgpack:"timeout_ms,omitempty"`
	DebugReport bool               `msgpack:"debug_report,omitempty"`
}

type PingPayload struct {
	Echo string `msgpack:"echo"`
}

// ReplyHeadersPayload is the status+headers message that opens every
// data-plane reply stream.
type ReplyHeadersPayload struct {
	Status  int                 `msgpack:"status"`
	Headers map[string][]string `msgpack:"headers"`
}

// ReplyChunkPayload carries one body chunk of a streamed reply.
type ReplyChunkPayload struct {
	Bytes []byte `msgpack:"bytes"`
}

// ReplyEndPayload terminates a request/response exchange.
type ReplyEndPayload struct {
	OK    bool   `msgpack:"ok"`
	Error string `msgpack:"error,omitempty"`
}

// EventPayload is an out-of-band severity/text notification a child may
// push at any time (e.g. a plugin load warning).
type EventPayload struct {
	Severity string `msgpack:"severity"`
	Text     string `msgpack:"text"`
}

// CancelOpPayload asks the child to abort the in-flight request with
// the given id within a grace period.
type CancelOpPayload struct {
	RequestID string `msgpack:"request_id"`
}

// CacheOpPayload carries one cache-manager or admin operation and its
// parameters; the zero-valued fields not relevant to Op are ignored.
type CacheOpPayload struct {
	Op       CacheOpKind `msgpack:"op"`
	URI      string      `msgpack:"uri,omitempty"`
	Pull     bool        `msgpack:"pull,omitempty"`
	Location string      `msgpack:"location,omitempty"`
	Config   []byte      `msgpack:"config,omitempty"` // YAML (or JSON) config patch, for PutConfig and SetConfig

	// ServingStatus carries SetServerServingStatus's requested value
	// ("serving", "not_serving", "unknown"); unused by every other Op.
	ServingStatus string `msgpack:"serving_status,omitempty"`
}

// CacheInfo mirrors py_qgis_worker's CacheInfo dataclass: the full
// per-entry status snapshot returned by Checkout/List/Update.
type CacheInfo struct {
	URI            string         `msgpack:"uri"`
	Status         CheckoutStatus `msgpack:"status"`
	InCache        bool           `msgpack:"in_cache"`
	Timestamp      float64        `msgpack:"timestamp,omitempty"`
	Name           string         `msgpack:"name,omitempty"`
	Storage        string         `msgpack:"storage,omitempty"`
	LastModified   float64        `msgpack:"last_modified,omitempty"`
	SavedVersion   string         `msgpack:"saved_version,omitempty"`
	Pinned         bool           `msgpack:"pinned,omitempty"`
	Hits           int64          `msgpack:"hits,omitempty"`
	LastHit        float64        `msgpack:"last_hit,omitempty"`
	DebugLoadBytes int64          `msgpack:"debug_load_bytes,omitempty"`
	DebugLoadMs    int64          `msgpack:"debug_load_ms,omitempty"`
}

// CheckoutStatus is the cache-entry status reported by a checkout.
type CheckoutStatus string

const (
	StatusUnknown    CheckoutStatus = "unknown"
	StatusNew        CheckoutStatus = "new"
	StatusNeedUpdate CheckoutStatus = "need_update"
	StatusUnchanged  CheckoutStatus = "unchanged"
	StatusRemoved    CheckoutStatus = "removed"
	StatusNotFound   CheckoutStatus = "not_found"
)

// LayerInfo mirrors py_qgis_worker's LayerInfo.
type LayerInfo struct {
	LayerID   string `msgpack:"layer_id"`
	Name      string `msgpack:"name"`
	Source    string `msgpack:"source"`
	CRS       string `msgpack:"crs"`
	IsValid   bool   `msgpack:"is_valid"`
	IsSpatial bool   `msgpack:"is_spatial"`
}

// ProjectInfo mirrors py_qgis_worker's ProjectInfo.
type ProjectInfo struct {
	Status       CheckoutStatus `msgpack:"status"`
	URI          string         `msgpack:"uri"`
	Filename     string         `msgpack:"filename"`
	CRS          string         `msgpack:"crs"`
	LastModified float64        `msgpack:"last_modified"`
	Storage      string         `msgpack:"storage"`
	HasBadLayers bool           `msgpack:"has_bad_layers"`
	Layers       []LayerInfo    `msgpack:"layers"`
}

// CatalogItem mirrors py_qgis_worker's CatalogItem.
type CatalogItem struct {
	URI          string  `msgpack:"uri"`
	Name         string  `msgpack:"name"`
	Storage      string  `msgpack:"storage"`
	LastModified float64 `msgpack:"last_modified"`
	PublicURI    string  `msgpack:"public_uri"`
}

// PluginInfo mirrors py_qgis_worker's PluginInfo.
type PluginInfo struct {
	Name     string            `msgpack:"name"`
	Path     string            `msgpack:"path"`
	Type     string            `msgpack:"type"`
	Metadata map[string]string `msgpack:"metadata"`
}

// AdminChildOutcome is the gRPC-surface rendering of one child's result
// from a broadcast admin operation; Error is set instead of Result when
// that child's call failed, since a Go error value itself is not
// msgpack-serializable.
type AdminChildOutcome struct {
	ChildID int            `msgpack:"child_id"`
	Result  *CacheResultPayload `msgpack:"result,omitempty"`
	Error   string         `msgpack:"error,omitempty"`
}

// Banner is the handshake message a child sends once, immediately
// after the connection is accepted.
type Banner struct {
	Pid           int    `msgpack:"pid"`
	EngineVersion string `msgpack:"engine_version"`
}
