package gpsapi

import "time"

// Attributes is free-form passthrough data from the server. It is never
// validated here.
type Attributes map[string]any

// ServerInfo is the body of GET /api/server.
type ServerInfo struct {
	ID           int64      `json:"id"`
	Version      string     `json:"version,omitempty"`
	Registration bool       `json:"registration"`
	Readonly     bool       `json:"readonly"`
	Map          string     `json:"map,omitempty"`
	Attributes   Attributes `json:"attributes,omitempty"`
}

type Device struct {
	ID             int64      `json:"id,omitempty"`
	Name           string     `json:"name"`
	UniqueID       string     `json:"uniqueId"`
	Status         string     `json:"status,omitempty"`
	Disabled       bool       `json:"disabled"`
	LastUpdate     *time.Time `json:"lastUpdate,omitempty"`
	PositionID     int64      `json:"positionId,omitempty"`
	GroupID        int64      `json:"groupId,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	Model          string     `json:"model,omitempty"`
	Contact        string     `json:"contact,omitempty"`
	Category       string     `json:"category,omitempty"`
	Attributes     Attributes `json:"attributes,omitempty"`
	OrganizationID string     `json:"-"`
}

type Position struct {
	ID             int64      `json:"id"`
	DeviceID       int64      `json:"deviceId"`
	Protocol       string     `json:"protocol,omitempty"`
	ServerTime     time.Time  `json:"serverTime"`
	DeviceTime     time.Time  `json:"deviceTime"`
	FixTime        time.Time  `json:"fixTime"`
	Outdated       bool       `json:"outdated"`
	Valid          bool       `json:"valid"`
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	Altitude       float64    `json:"altitude"`
	Speed          float64    `json:"speed"` // knots
	Course         float64    `json:"course"`
	Address        string     `json:"address,omitempty"`
	Accuracy       float64    `json:"accuracy"`
	GeofenceIDs    []int64    `json:"geofenceIds,omitempty"`
	Attributes     Attributes `json:"attributes,omitempty"`
	OrganizationID string     `json:"-"`
}

type Geofence struct {
	ID             int64      `json:"id,omitempty"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Area           string     `json:"area"` // WKT
	CalendarID     int64      `json:"calendarId,omitempty"`
	Attributes     Attributes `json:"attributes,omitempty"`
	OrganizationID string     `json:"-"`
}

// Event is an alert raised by the server (overspeed, geofenceEnter, ...).
type Event struct {
	ID             int64      `json:"id"`
	Type           string     `json:"type"`
	EventTime      time.Time  `json:"eventTime"`
	DeviceID       int64      `json:"deviceId"`
	PositionID     int64      `json:"positionId,omitempty"`
	GeofenceID     int64      `json:"geofenceId,omitempty"`
	MaintenanceID  int64      `json:"maintenanceId,omitempty"`
	Attributes     Attributes `json:"attributes,omitempty"`
	OrganizationID string     `json:"-"`
}

type Trip struct {
	DeviceID        int64     `json:"deviceId"`
	DeviceName      string    `json:"deviceName"`
	Distance        float64   `json:"distance"` // meters
	AverageSpeed    float64   `json:"averageSpeed"`
	MaxSpeed        float64   `json:"maxSpeed"`
	SpentFuel       float64   `json:"spentFuel"`
	StartOdometer   float64   `json:"startOdometer"`
	EndOdometer     float64   `json:"endOdometer"`
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime"`
	StartPositionID int64     `json:"startPositionId"`
	EndPositionID   int64     `json:"endPositionId"`
	StartLat        float64   `json:"startLat"`
	StartLon        float64   `json:"startLon"`
	EndLat          float64   `json:"endLat"`
	EndLon          float64   `json:"endLon"`
	StartAddress    string    `json:"startAddress,omitempty"`
	EndAddress      string    `json:"endAddress,omitempty"`
	Duration        int64     `json:"duration"` // milliseconds
	DriverUniqueID  string    `json:"driverUniqueId,omitempty"`
	DriverName      string    `json:"driverName,omitempty"`
	OrganizationID  string    `json:"-"`
}

type Summary struct {
	DeviceID       int64     `json:"deviceId"`
	DeviceName     string    `json:"deviceName"`
	Distance       float64   `json:"distance"`
	AverageSpeed   float64   `json:"averageSpeed"`
	MaxSpeed       float64   `json:"maxSpeed"`
	SpentFuel      float64   `json:"spentFuel"`
	StartOdometer  float64   `json:"startOdometer"`
	EndOdometer    float64   `json:"endOdometer"`
	StartTime      time.Time `json:"startTime"`
	EndTime        time.Time `json:"endTime"`
	EngineHours    int64     `json:"engineHours"`
	OrganizationID string    `json:"-"`
}

// RemoteCommand is the body of POST /api/commands.
type RemoteCommand struct {
	ID          int64      `json:"id,omitempty"`
	DeviceID    int64      `json:"deviceId"`
	Type        string     `json:"type"`
	Description string     `json:"description,omitempty"`
	Attributes  Attributes `json:"attributes,omitempty"`
}

// Remote command types understood by the server.
const (
	RemoteEngineStop   = "engineStop"
	RemoteEngineResume = "engineResume"
)
