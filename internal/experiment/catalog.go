package experiment

import "github.com/umr-dbs/cachemesh/internal/geom"

// Catalog lists the workload specs the experiment menu offers out of the
// box, standing in for the original's cache_exp::avg_temp/cloud_detection
// named QuerySpecs (each tied to a concrete operator graph there; here
// each just names a spatial/temporal universe and semantic id to draw
// synthetic queries from).
func Catalog() []QuerySpec {
	return []QuerySpec{
		{
			Name:       "avg_temp",
			SemanticID: "avg_temp_v1",
			EPSG:       geom.EPSGLatLon,
			Bounds: geom.Cube3{
				X: geom.Interval{A: -180, B: 180},
				Y: geom.Interval{A: -90, B: 90},
				T: geom.Interval{A: 0, B: 86400 * 30},
			},
		},
		{
			Name:       "cloud_detection",
			SemanticID: "cloud_detection_v1",
			EPSG:       geom.EPSGWebMercator,
			Bounds: geom.Cube3{
				X: geom.Interval{A: -2e7, B: 2e7},
				Y: geom.Interval{A: -1e7, B: 1e7},
				T: geom.Interval{A: 0, B: 86400 * 7},
			},
		},
	}
}
