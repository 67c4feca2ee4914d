package model

import "strconv"

// Canonical column names of a normalized HMO register row.
const (
	ColStreetName    = "street_name"
	ColAddress       = "address"
	ColRenewalDate   = "renewal_date"
	ColLicenceHolder = "licence_holder"
	ColMaxTenants    = "max_tenants"
	ColHMOID         = "hmo_id"
	ColPostcode      = "postcode"
	ColDateAdded     = "date_added"
	ColLatitude      = "latitude"
	ColLongitude     = "longitude"
	ColCoordinates   = "coordinates"
)

// Columns is the output column order used by the object store and warehouse writers.
var Columns = []string{
	ColStreetName,
	ColAddress,
	ColRenewalDate,
	ColLicenceHolder,
	ColMaxTenants,
	ColHMOID,
	ColPostcode,
	ColDateAdded,
	ColLatitude,
	ColLongitude,
	ColCoordinates,
}

// RawTable is an ingested spreadsheet before schema normalization.
// Header holds the upstream column titles exactly as published.
type RawTable struct {
	Header  []string
	Records [][]string
}

// Coordinates is a resolved latitude/longitude pair.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// String renders the pair as "lat, lon".
func (c Coordinates) String() string {
	return strconv.FormatFloat(c.Latitude, 'f', -1, 64) + ", " + strconv.FormatFloat(c.Longitude, 'f', -1, 64)
}

// Row is one licensable-property record.
type Row struct {
	StreetName    string `json:"street_name"`
	Address       string `json:"address"`
	RenewalDate   string `json:"renewal_date"`
	LicenceHolder string `json:"licence_holder"`
	MaxTenants    string `json:"max_tenants"`

	HMOID       string       `json:"hmo_id"`
	Postcode    *string      `json:"postcode"`
	DateAdded   string       `json:"date_added"`
	Coordinates *Coordinates `json:"coordinates"`
}

// Values renders the row in Columns order. Null postcode and coordinates
// become nil so storage writers can emit NULL.
func (r Row) Values() []any {
	var postcode, lat, lon, coords any
	if r.Postcode != nil {
		postcode = *r.Postcode
	}
	if r.Coordinates != nil {
		lat = r.Coordinates.Latitude
		lon = r.Coordinates.Longitude
		coords = r.Coordinates.String()
	}
	return []any{
		r.StreetName,
		r.Address,
		r.RenewalDate,
		r.LicenceHolder,
		r.MaxTenants,
		r.HMOID,
		postcode,
		r.DateAdded,
		lat,
		lon,
		coords,
	}
}

// Table is the ordered row set of one dataset snapshot.
type Table struct {
	SnapshotID string `json:"snapshot_id"`
	Rows       []Row  `json:"rows"`
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}
