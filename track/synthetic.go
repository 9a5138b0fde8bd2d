package track

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kwv/svtalign/linalg"
)

// SyntheticResolution is the u resolution of the synthetic telescope in mm.
const SyntheticResolution = 0.006

var syntheticAngles = [12]linalg.Vec3{
	{3.1406969851087094, 0.03177473972250014, -1.5707096750665268},
	{-8.763843967516362e-4, -0.030857430620294213, -1.6707969967061551},
	{-3.1371868210063276, 0.031982073016205884, -1.570800276546960},
	{-0.008253950195711953, -0.031206900985050606, -1.670332814679196},
	{3.140449458676607, 0.02612204537702204, -1.5708809505162877},
	{-0.005357612619242289, -0.025781003210562113, -1.6704142005768545},
	{-3.135680720223676, 0.03153474000599398, -1.570835921868696},
	{0.004079561821680232, -0.034697901407559295, -1.6205748135045286},
	{-3.1358886943959, 0.030816539774356996, -1.5711458236970879},
	{0.006434838235404464, -0.032235412982587405, -1.6204426401435137},
	{3.1410568732583375, 0.030229266015029423, -1.5709559555513355},
	{-2.1930870918929454e-4, -0.031152570497038165, -1.6201278501297305},
}

var syntheticOrigins = [12]linalg.Vec3{
	{3.083251888032933, 20.6939715764943, 87.90907758988494},
	{3.3897589906322203, 20.723713416767932, 96.09347236561139},
	{6.209507497482065, 22.251100764548063, 187.979198401254},
	{6.448495884160572, 22.27056067869049, 195.97435895116467},
	{9.266018127938018, 23.77017055031802, 287.706424933812},
	{9.524206517587587, 23.79411639949488, 295.78541118932907},
	{-35.45499313137205, 26.704165491252628, 489.9250042201181},
	{-35.177966825203924, 29.23243054764656, 496.79862110072156},
	{-29.40714364121509, 29.778421220699943, 689.7885600858451},
	{-29.05999883738231, 32.30110797572307, 697.1004544791742},
	{-23.24754288591039, 32.76458780556233, 889.4575319549996},
	{-22.89425800691335, 35.2745708242259, 896.9124291322955},
}

// SyntheticDetector returns a 12-plane telescope of alternating axial and
// stereo sensors between z≈88 and z≈897 mm, measuring u only.
func SyntheticDetector() []DetectorPlane {
	planes := make([]DetectorPlane, len(syntheticAngles))
	for i := range planes {
		planes[i] = NewDetectorPlane(i+1, syntheticAngles[i], syntheticOrigins[i], [2]float64{SyntheticResolution, 0})
		planes[i].Name = fmt.Sprintf("L%d%s", i/2+1, [2]string{"a", "s"}[i%2])
	}
	return planes
}

// GenerateHits intersects the line a + t·b with every plane and returns the
// local measurements, smeared by each plane's resolution when rng is not
// nil. Planes whose active area misses the line get an empty Hit.
func GenerateHits(planes []DetectorPlane, a, b linalg.Vec3, rng *rand.Rand) ([]Hit, error) {
	hits := make([]Hit, len(planes))
	for i, p := range planes {
		ip, err := Intersect(a, b, p)
		if err != nil {
			return nil, err
		}
		if !p.Accepts(ip.Local) {
			continue
		}
		u, v := ip.Local[0], ip.Local[1]
		if rng != nil {
			if s := p.Resolution[0]; s > 0 {
				u += distuv.Normal{Mu: 0, Sigma: s, Src: rng}.Rand()
			}
			if s := p.Resolution[1]; s > 0 {
				v += distuv.Normal{Mu: 0, Sigma: s, Src: rng}.Rand()
			}
		}
		hits[i] = NewHit(u, v, p.Resolution)
	}
	return hits, nil
}
