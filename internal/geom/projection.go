package geom

import "math"

const earthRadiusWebMercator = 6378137.0

// ToLatLon projects an (x, y) pair in the given EPSG into WGS84 lat/lon
// degrees, for the index's Geographic reorg strategy (which only ever needs
// node/entry centroids, not precise cartography). GeosMSG has no closed-form
// inverse without its satellite sub-longitude, which isn't tracked anywhere
// in this system's EPSG enum, so it's treated as already-geographic —
// centroids computed from it only ever compare against each other, not
// against true lat/lon positions.
func ToLatLon(x, y float64, epsg EPSG) (lon, lat float64) {
	switch epsg {
	case EPSGWebMercator:
		lon = x / earthRadiusWebMercator * 180 / math.Pi
		lat = math.Atan(math.Sinh(y/earthRadiusWebMercator)) * 180 / math.Pi
		return lon, lat
	default:
		return x, y
	}
}

// Centroid returns the midpoint of a Cube3's spatial extent, in the cube's
// own coordinate space.
func Centroid(c Cube3) (x, y float64) {
	return (c.X.A + c.X.B) / 2, (c.Y.A + c.Y.B) / 2
}
