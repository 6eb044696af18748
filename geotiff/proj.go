/*
   Copyright The Sentinel COG Service Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package geotiff

import (
	"fmt"
	"math"
)

// Coordinate transforms for the CRS families the pipeline produces:
// geographic WGS84 (EPSG:4326), spherical web mercator (EPSG:3857) and the
// UTM/WGS84 zones Sentinel-2 products are gridded in (EPSG:326xx north,
// 327xx south). Transverse mercator follows the series expansions in
// Snyder, "Map Projections: A Working Manual" (USGS PP 1395).

const (
	wgs84A  = 6378137.0           // semi-major axis
	wgs84F  = 1 / 298.257223563   // flattening
	utmK0   = 0.9996              // central meridian scale
	utmFE   = 500000.0            // false easting
	utmFNS  = 10000000.0          // false northing, southern hemisphere
	sphereR = 6378137.0           // web mercator sphere radius
)

// ToWGS84 converts a coordinate in the CRS identified by epsg to WGS84
// longitude and latitude in degrees.
func ToWGS84(epsg int, x, y float64) (lon, lat float64, err error) {
	switch {
	case epsg == 4326:
		return x, y, nil
	case epsg == 3857:
		lon = x / sphereR * 180 / math.Pi
		lat = (2*math.Atan(math.Exp(y/sphereR)) - math.Pi/2) * 180 / math.Pi
		return lon, lat, nil
	case epsg >= 32601 && epsg <= 32660:
		return utmInverse(epsg-32600, false, x, y)
	case epsg >= 32701 && epsg <= 32760:
		return utmInverse(epsg-32700, true, x, y)
	default:
		return 0, 0, fmt.Errorf("unsupported CRS EPSG:%d", epsg)
	}
}

// FromWGS84 converts WGS84 longitude and latitude in degrees into the CRS
// identified by epsg.
func FromWGS84(epsg int, lon, lat float64) (x, y float64, err error) {
	switch {
	case epsg == 4326:
		return lon, lat, nil
	case epsg == 3857:
		x = sphereR * lon * math.Pi / 180
		y = sphereR * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
		return x, y, nil
	case epsg >= 32601 && epsg <= 32660:
		return utmForward(epsg-32600, false, lon, lat)
	case epsg >= 32701 && epsg <= 32760:
		return utmForward(epsg-32700, true, lon, lat)
	default:
		return 0, 0, fmt.Errorf("unsupported CRS EPSG:%d", epsg)
	}
}

func utmCentralMeridian(zone int) float64 {
	return float64(-183+6*zone) * math.Pi / 180
}

// meridionalArc computes M, the distance along the central meridian from
// the equator to latitude phi.
func meridionalArc(phi float64) float64 {
	e2 := wgs84F * (2 - wgs84F)
	e4, e6 := e2*e2, e2*e2*e2
	return wgs84A * ((1-e2/4-3*e4/64-5*e6/256)*phi -
		(3*e2/8+3*e4/32+45*e6/1024)*math.Sin(2*phi) +
		(15*e4/256+45*e6/1024)*math.Sin(4*phi) -
		(35*e6/3072)*math.Sin(6*phi))
}

func utmForward(zone int, south bool, lonDeg, latDeg float64) (x, y float64, err error) {
	phi := latDeg * math.Pi / 180
	lam := lonDeg * math.Pi / 180
	lam0 := utmCentralMeridian(zone)

	e2 := wgs84F * (2 - wgs84F)
	ep2 := e2 / (1 - e2)
	sinPhi, cosPhi := math.Sin(phi), math.Cos(phi)
	n := wgs84A / math.Sqrt(1-e2*sinPhi*sinPhi)
	t := math.Tan(phi) * math.Tan(phi)
	c := ep2 * cosPhi * cosPhi
	a := (lam - lam0) * cosPhi
	m := meridionalArc(phi)

	x = utmFE + utmK0*n*(a+(1-t+c)*a*a*a/6+
		(5-18*t+t*t+72*c-58*ep2)*math.Pow(a, 5)/120)
	y = utmK0 * (m + n*math.Tan(phi)*(a*a/2+
		(5-t+9*c+4*c*c)*math.Pow(a, 4)/24+
		(61-58*t+t*t+600*c-330*ep2)*math.Pow(a, 6)/720))
	if south {
		y += utmFNS
	}
	return x, y, nil
}

func utmInverse(zone int, south bool, x, y float64) (lonDeg, latDeg float64, err error) {
	lam0 := utmCentralMeridian(zone)
	if south {
		y -= utmFNS
	}

	e2 := wgs84F * (2 - wgs84F)
	e4, e6 := e2*e2, e2*e2*e2
	ep2 := e2 / (1 - e2)
	m := y / utmK0
	mu := m / (wgs84A * (1 - e2/4 - 3*e4/64 - 5*e6/256))
	e1 := (1 - math.Sqrt(1-e2)) / (1 + math.Sqrt(1-e2))

	phi1 := mu + (3*e1/2-27*e1*e1*e1/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*math.Pow(e1, 4)/32)*math.Sin(4*mu) +
		(151*e1*e1*e1/96)*math.Sin(6*mu) +
		(1097*math.Pow(e1, 4)/512)*math.Sin(8*mu)

	sinPhi1, cosPhi1 := math.Sin(phi1), math.Cos(phi1)
	c1 := ep2 * cosPhi1 * cosPhi1
	t1 := math.Tan(phi1) * math.Tan(phi1)
	n1 := wgs84A / math.Sqrt(1-e2*sinPhi1*sinPhi1)
	r1 := wgs84A * (1 - e2) / math.Pow(1-e2*sinPhi1*sinPhi1, 1.5)
	d := (x - utmFE) / (n1 * utmK0)

	phi := phi1 - (n1*math.Tan(phi1)/r1)*(d*d/2-
		(5+3*t1+10*c1-4*c1*c1-9*ep2)*math.Pow(d, 4)/24+
		(61+90*t1+298*c1+45*t1*t1-252*ep2-3*c1*c1)*math.Pow(d, 6)/720)
	lam := lam0 + (d-(1+2*t1+c1)*d*d*d/6+
		(5-2*c1+28*t1-3*c1*c1+8*ep2+24*t1*t1)*math.Pow(d, 5)/120)/cosPhi1

	return lam * 180 / math.Pi, phi * 180 / math.Pi, nil
}
