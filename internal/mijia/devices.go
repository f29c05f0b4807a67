package mijia

import "encoding/json"

// Device is one entry of the vendor's home_device_list payload. Only the
// fields the dashboard renders are typed; the rest of the property bag is
// kept raw for the control layer.
type Device struct {
	DID        string          `json:"did"`
	Name       string          `json:"name"`
	Model      string          `json:"model"`
	Online     bool            `json:"isOnline"`
	HomeID     string          `json:"home_id,omitempty"`
	RoomID     string          `json:"room_id,omitempty"`
	Extra      json.RawMessage `json:"extra,omitempty"`
	SpecType   string          `json:"spec_type,omitempty"`
	Permission int             `json:"permitLevel,omitempty"`
}

// Home is one entry of gethome_merged. The vendor serializes ids as numbers
// or strings depending on the endpoint, hence json.Number.
type Home struct {
	ID   json.Number `json:"id"`
	UID  json.Number `json:"uid"`
	Name string      `json:"name"`
}

// Scene is one entry of GetSceneList.
type Scene struct {
	SceneID string `json:"scene_id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enable"`
	Type    int    `json:"scene_type,omitempty"`
}

// Property addresses one miot-spec property; Value is set on reads and
// writes, omitted in pure addresses.
type Property struct {
	DID   string `json:"did"`
	SIID  int    `json:"siid"`
	PIID  int    `json:"piid"`
	Value any    `json:"value,omitempty"`
	Code  int    `json:"code,omitempty"`
}

// Action addresses one miot-spec action invocation.
type Action struct {
	DID   string `json:"did"`
	SIID  int    `json:"siid"`
	AIID  int    `json:"aiid"`
	Value []any  `json:"in,omitempty"`
}
