// Package model holds the wire-level records exchanged between LocalSend
// peers: the device self-description/advertisement and the per-file upload
// descriptor. Field names are kept exactly as the protocol specifies them
// (camelCase) since they round-trip through JSON to other implementations.
package model

// DeviceType is the advertised class of a peer. Unknown wire tokens
// normalise to DeviceTypeUnknown rather than being rejected.
type DeviceType string

const (
	DeviceTypeMobile   DeviceType = "mobile"
	DeviceTypeDesktop  DeviceType = "desktop"
	DeviceTypeWeb      DeviceType = "web"
	DeviceTypeHeadless DeviceType = "headless"
	DeviceTypeServer   DeviceType = "server"
	DeviceTypeUnknown  DeviceType = "unknown"
)

// NormalizeDeviceType maps an arbitrary wire token to one of the known
// DeviceType values, falling back to DeviceTypeUnknown.
func NormalizeDeviceType(s string) DeviceType {
	switch DeviceType(s) {
	case DeviceTypeMobile, DeviceTypeDesktop, DeviceTypeWeb, DeviceTypeHeadless, DeviceTypeServer:
		return DeviceType(s)
	default:
		return DeviceTypeUnknown
	}
}

// DeviceRecord is the v2 self-description/advertisement record (protocol
// version "2.1" for natively-produced records, "1.0" for records ingested
// via the v1 wire format and upgraded in place).
//
// announce is a one-bit request that the receiver reply with its own
// announcement; it MUST be false on any outgoing reply to avoid ping-pong
// amplification (see discovery.Engine).
type DeviceRecord struct {
	Alias         string     `json:"alias"`
	Version       string     `json:"version"`
	DeviceModel   string     `json:"deviceModel,omitempty"`
	DeviceType    DeviceType `json:"deviceType"`
	Fingerprint   string     `json:"fingerprint"`
	Port          int        `json:"port"`
	Protocol      string     `json:"protocol"`
	Download      bool       `json:"download"`
	Announce      bool       `json:"announce,omitempty"`
}

// IsSelf reports whether r carries the local fingerprint.
func (r DeviceRecord) IsSelf(selfFingerprint string) bool {
	return r.Fingerprint == selfFingerprint
}

// AsReply returns a copy of r suitable for sending as a reply
// announcement: the announce bit cleared, per spec invariant that no
// outgoing reply may ever request a further reply.
func (r DeviceRecord) AsReply() DeviceRecord {
	r.Announce = false
	return r
}

// DeviceRecordV1 is the compact v1 wire shape. Historical forks vary on
// whether "announcement" is present when false; it is treated as false
// when absent.
type DeviceRecordV1 struct {
	Alias        string     `json:"alias"`
	DeviceModel  string     `json:"deviceModel,omitempty"`
	DeviceType   DeviceType `json:"deviceType"`
	Fingerprint  string     `json:"fingerprint"`
	Announcement bool       `json:"announcement,omitempty"`
}

// DeviceInfoV1Response is the compact shape returned by GET
// /api/localsend/v1/info.
type DeviceInfoV1Response struct {
	Alias       string     `json:"alias"`
	DeviceModel string     `json:"deviceModel,omitempty"`
	DeviceType  DeviceType `json:"deviceType"`
}

// ToV2 upgrades a v1 record to the canonical v2 shape. Per spec.md §4.3,
// ingested v1 peers are pinned to port 53317 over plain HTTP and are
// assumed download-capable.
func (r DeviceRecordV1) ToV2() DeviceRecord {
	return DeviceRecord{
		Alias:       r.Alias,
		Version:     "1.0",
		DeviceModel: r.DeviceModel,
		DeviceType:  NormalizeDeviceType(string(r.DeviceType)),
		Fingerprint: r.Fingerprint,
		Port:        53317,
		Protocol:    "http",
		Download:    true,
		Announce:    r.Announcement,
	}
}

// ToV1 downgrades a v2 record to the compact v1 shape, used when relaying
// a reply to a peer that spoke v1.
func (r DeviceRecord) ToV1() DeviceRecordV1 {
	return DeviceRecordV1{
		Alias:        r.Alias,
		DeviceModel:  r.DeviceModel,
		DeviceType:   r.DeviceType,
		Fingerprint:  r.Fingerprint,
		Announcement: r.Announce,
	}
}

// ToV1Response projects r into the compact info-query response shape.
func (r DeviceRecord) ToV1Response() DeviceInfoV1Response {
	return DeviceInfoV1Response{
		Alias:       r.Alias,
		DeviceModel: r.DeviceModel,
		DeviceType:  r.DeviceType,
	}
}
