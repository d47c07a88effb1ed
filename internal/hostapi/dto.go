package hostapi

import (
	"time"

	"github.com/signalsfoundry/geoanchor/core"
	"github.com/signalsfoundry/geoanchor/model"
)

type placeRequest struct {
	Lat *float64 `json:"lat" binding:"required"`
	Lng *float64 `json:"lng" binding:"required"`
	Alt *float64 `json:"alt"`
}

type transformJSON struct {
	Position [3]float64  `json:"position"`
	Rotation [4]float64  `json:"rotation"` // x, y, z, w
	Matrix   [16]float64 `json:"matrix"`
}

// anchorJSON reports longitude wrapped into [-180, 180), so the antimeridian
// always reads as -180.
type anchorJSON struct {
	Handle    string         `json:"handle"`
	Lat       float64        `json:"lat"`
	Lng       float64        `json:"lng"`
	Alt       *float64       `json:"alt,omitempty"`
	State     string         `json:"state"`
	Transform *transformJSON `json:"transform,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type anchorViewJSON struct {
	Handle    string         `json:"handle"`
	Lat       float64        `json:"lat"`
	Lng       float64        `json:"lng"`
	State     string         `json:"state"`
	Visible   bool           `json:"visible"`
	Transform *transformJSON `json:"transform,omitempty"`
}

type frameJSON struct {
	Frame     uint64           `json:"frame"`
	Quality   string           `json:"tracking_quality"`
	Suspended bool             `json:"suspended"`
	Anchors   []anchorViewJSON `json:"anchors"`
}

func toTransformJSON(t *model.Transform) *transformJSON {
	if t == nil {
		return nil
	}
	return &transformJSON{
		Position: [3]float64{t.Position.X, t.Position.Y, t.Position.Z},
		Rotation: [4]float64{t.Rotation.X, t.Rotation.Y, t.Rotation.Z, t.Rotation.W},
		Matrix:   t.Matrix(),
	}
}

func toAnchorJSON(a model.Anchor) anchorJSON {
	return anchorJSON{
		Handle:    string(a.Handle),
		Lat:       a.Requested.Lat,
		Lng:       core.NormalizeLongitude(a.Requested.Lng),
		Alt:       a.RequestedAltitude,
		State:     a.State.String(),
		Transform: toTransformJSON(a.Transform),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func toFrameJSON(p core.FramePayload) frameJSON {
	out := frameJSON{
		Frame:     p.Frame,
		Quality:   p.Quality.String(),
		Suspended: p.Suspended,
		Anchors:   make([]anchorViewJSON, 0, len(p.Anchors)),
	}
	for _, v := range p.Anchors {
		out.Anchors = append(out.Anchors, anchorViewJSON{
			Handle:    string(v.Handle),
			Lat:       v.Requested.Lat,
			Lng:       core.NormalizeLongitude(v.Requested.Lng),
			State:     v.State.String(),
			Visible:   v.Visible,
			Transform: toTransformJSON(v.Transform),
		})
	}
	return out
}
