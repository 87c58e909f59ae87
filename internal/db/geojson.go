package db

import (
	"database/sql"

	geojson "github.com/paulmach/go.geojson"

	"gtfs-segmetrics/internal/geo"
)

// lineGeoJSON renders line for ST_GeomFromGeoJSON. Lines with fewer than two
// vertices become NULL.
func lineGeoJSON(line geo.Polyline) (sql.NullString, error) {
	if len(line) < 2 {
		return sql.NullString{}, nil
	}
	coords := make([][]float64, len(line))
	for i, p := range line {
		coords[i] = []float64{p.Lon, p.Lat}
	}
	b, err := geojson.NewLineStringGeometry(coords).MarshalJSON()
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func pointGeoJSON(p geo.Point) (string, error) {
	b, err := geojson.NewPointGeometry([]float64{p.Lon, p.Lat}).MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
