package trajectory

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/geo/s1"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"swerve/geometry"
)

// Extensions are tried in order when resolving an asset name to a file.
var Extensions = []string{".yaml", ".yml", ".json"}

type assetState struct {
	Time                     float64 `yaml:"time"`
	X                        float64 `yaml:"x"`
	Y                        float64 `yaml:"y"`
	HeadingDeg               float64 `yaml:"heading_deg"`
	Velocity                 float64 `yaml:"velocity"`
	Acceleration             float64 `yaml:"acceleration"`
	Curvature                float64 `yaml:"curvature"`
	HolonomicRotationDeg     float64 `yaml:"holonomic_rotation_deg"`
	HolonomicAngularVelocity float64 `yaml:"holonomic_angular_velocity_dps"`
}

type assetMarker struct {
	Time  float64  `yaml:"time"`
	Names []string `yaml:"names"`
}

type asset struct {
	States  []assetState  `yaml:"states"`
	Markers []assetMarker `yaml:"markers"`
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Parse decodes an asset document. Unknown keys are rejected so typos fail at load time.
func Parse(name string, data []byte, c Constraints) (*Trajectory, error) {
	var doc asset
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrapf(err, "decoding trajectory %q", name)
	}

	states := make([]State, 0, len(doc.States))
	for _, st := range doc.States {
		states = append(states, State{
			Time: seconds(st.Time),
			Pose: geometry.Pose2D{
				X:       st.X,
				Y:       st.Y,
				Heading: s1.Angle(st.HeadingDeg) * s1.Degree,
			},
			Velocity:                 st.Velocity,
			Acceleration:             st.Acceleration,
			Curvature:                st.Curvature,
			HolonomicRotation:        s1.Angle(st.HolonomicRotationDeg) * s1.Degree,
			HolonomicAngularVelocity: (s1.Angle(st.HolonomicAngularVelocity) * s1.Degree).Radians(),
		})
	}
	markers := make([]EventMarker, 0, len(doc.Markers))
	for _, m := range doc.Markers {
		markers = append(markers, EventMarker{Time: seconds(m.Time), Names: m.Names})
	}
	return New(name, states, markers, c)
}

// LoadFile reads and parses the asset at path. The trajectory is named after the file.
func LoadFile(path string, c Constraints) (*Trajectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading trajectory")
	}
	return Parse(AssetName(path), data, c)
}

// AssetName strips the directory and a known extension from path.
func AssetName(path string) string {
	base := filepath.Base(path)
	for _, ext := range Extensions {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return base
}

// resolve finds the file backing name inside dir.
func resolve(dir, name string) (string, error) {
	if dir == "" {
		return "", errors.New("no trajectory directory configured")
	}
	if name == "" || filepath.Base(name) != name {
		return "", errors.Errorf("invalid trajectory name %q", name)
	}
	for _, ext := range Extensions {
		path := filepath.Join(dir, name+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", errors.Errorf("no trajectory named %q in %s", name, dir)
}
