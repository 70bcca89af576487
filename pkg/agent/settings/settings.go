// Package settings loads and validates the node agent's Settings.xml, keeps
// the validated on-disk copy in sync, and detects live changes by content
// hash.
package settings

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// File names under the agent's work directory. The live file sits at the
// root; the validated copy and its staging twin live under Data/.
const (
	LiveFile     = "Settings.xml"
	CopyFile     = "CopyOfSettings.xml"
	TempCopyFile = "TempCopyOfSettings.xml"

	sectionName = "NTServiceSettings"
)

// Settings are the node agent's operating parameters.
type Settings struct {
	WUQuery                     string
	WUOperationRetryCount       int
	WUDelayBetweenRetries       time.Duration
	WUOperationTimeout          time.Duration
	WURescheduleTime            time.Duration
	WURescheduleCount           int
	WUFrequency                 Frequency
	DisableAutoUpdateSetting    bool
	OperationTimeout            time.Duration
	InstallWindowsOSOnlyUpdates bool
	WUQueryCategoryIDs          []string
	AcceptWindowsUpdateEula     bool
}

// Default returns the settings used when the file omits a parameter.
func Default() Settings {
	weekly, _ := ParseFrequency("Weekly,Wednesday,7:00:00")
	return Settings{
		WUQuery:                  "IsInstalled=0",
		WUOperationRetryCount:    5,
		WUDelayBetweenRetries:    time.Minute,
		WUOperationTimeout:       90 * time.Minute,
		WURescheduleTime:         30 * time.Minute,
		WURescheduleCount:        5,
		WUFrequency:              weekly,
		DisableAutoUpdateSetting: true,
		OperationTimeout:         5 * time.Minute,
		AcceptWindowsUpdateEula:  true,
	}
}

type xmlSettings struct {
	XMLName  xml.Name     `xml:"Settings"`
	Sections []xmlSection `xml:"Section"`
}

type xmlSection struct {
	Name       string         `xml:"Name,attr"`
	Parameters []xmlParameter `xml:"Parameter"`
}

type xmlParameter struct {
	Name  string `xml:"Name,attr"`
	Value string `xml:"Value,attr"`
}

// Parse decodes and validates the XML document. Unknown parameters are
// rejected so typos surface instead of silently using defaults.
func Parse(raw []byte) (Settings, error) {
	var doc xmlSettings
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return Settings{}, errors.WithMessage(err, "could not parse settings xml")
	}

	s := Default()
	for _, section := range doc.Sections {
		if section.Name != sectionName {
			continue
		}
		for _, param := range section.Parameters {
			if err := s.apply(param.Name, param.Value); err != nil {
				return Settings{}, err
			}
		}
	}
	return s, nil
}

func (s *Settings) apply(name, value string) error {
	switch name {
	case "WUQuery":
		s.WUQuery = value
	case "WUOperationRetryCount":
		return applyCount(name, value, &s.WUOperationRetryCount)
	case "WUDelayBetweenRetriesInMinutes":
		return applyMinutes(name, value, &s.WUDelayBetweenRetries)
	case "WUOperationTimeOutInMinutes":
		return applyMinutes(name, value, &s.WUOperationTimeout)
	case "WURescheduleTimeInMinutes":
		return applyMinutes(name, value, &s.WURescheduleTime)
	case "WURescheduleCount":
		return applyCount(name, value, &s.WURescheduleCount)
	case "WUFrequency":
		freq, err := ParseFrequency(value)
		if err != nil {
			return err
		}
		s.WUFrequency = freq
	case "DisableAutoUpdateSettingInOS":
		return applyBool(name, value, &s.DisableAutoUpdateSetting)
	case "OperationTimeOutInMinutes":
		return applyMinutes(name, value, &s.OperationTimeout)
	case "InstallWindowsOSOnlyUpdates":
		return applyBool(name, value, &s.InstallWindowsOSOnlyUpdates)
	case "WUQueryCategoryIds":
		s.WUQueryCategoryIDs = splitCategoryIDs(value)
	case "AcceptWindowsUpdateEula":
		return applyBool(name, value, &s.AcceptWindowsUpdateEula)
	default:
		return errors.Errorf("unknown setting %q", name)
	}
	return nil
}

func splitCategoryIDs(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' '
	})
}

func applyCount(name, value string, dst *int) error {
	v, err := strconv.Atoi(value)
	if err != nil || v < 0 {
		return errors.Errorf("setting %s wants a non-negative integer, got %q", name, value)
	}
	*dst = v
	return nil
}

func applyMinutes(name, value string, dst *time.Duration) error {
	v, err := strconv.Atoi(value)
	if err != nil || v < 0 {
		return errors.Errorf("setting %s wants non-negative minutes, got %q", name, value)
	}
	*dst = time.Duration(v) * time.Minute
	return nil
}

func applyBool(name, value string, dst *bool) error {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return errors.Errorf("setting %s wants a boolean, got %q", name, value)
	}
	*dst = v
	return nil
}

// Hash fingerprints a settings document for change detection.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Store manages the live file and its validated copy under the agent's work
// directory.
type Store struct {
	WorkDir string
	DataDir string
}

func NewStore(workDir string) *Store {
	return &Store{WorkDir: workDir, DataDir: filepath.Join(workDir, "Data")}
}

func (st *Store) livePath() string { return filepath.Join(st.WorkDir, LiveFile) }
func (st *Store) copyPath() string { return filepath.Join(st.DataDir, CopyFile) }
func (st *Store) tempPath() string { return filepath.Join(st.DataDir, TempCopyFile) }

// LiveExists reports whether the live settings file has been deployed.
func (st *Store) LiveExists() bool {
	_, err := os.Stat(st.livePath())
	return err == nil
}

// Load reads and validates the live file, falling back to the stored copy
// when the live file is corrupt; if the copy is also unusable the live file
// is restored as the new copy and the defaults take effect, so a bad
// deployment degrades instead of crash-looping the agent. The returned hash
// identifies the content the settings came from.
func (st *Store) Load() (Settings, string, error) {
	live, liveErr := os.ReadFile(st.livePath())
	if liveErr == nil {
		if s, err := Parse(live); err == nil {
			if err := st.writeCopy(live); err != nil {
				return Settings{}, "", err
			}
			return s, Hash(live), nil
		}
	}

	stored, copyErr := os.ReadFile(st.copyPath())
	if copyErr == nil {
		if s, err := Parse(stored); err == nil {
			return s, Hash(stored), nil
		}
	}

	if liveErr != nil {
		return Settings{}, "", errors.WithMessage(liveErr, "no usable settings")
	}

	// Both the live file and the copy are unusable. Adopt the live bytes as
	// the new copy so the next change is detected against them, and run on
	// the defaults until a good file is deployed.
	if err := st.writeCopy(live); err != nil {
		return Settings{}, "", err
	}
	return Default(), Hash(live), nil
}

// Changed reports whether the live file's content differs from lastHash.
func (st *Store) Changed(lastHash string) (bool, error) {
	live, err := os.ReadFile(st.livePath())
	if err != nil {
		return false, err
	}
	return Hash(live) != lastHash, nil
}

// writeCopy stages the validated copy and renames it into place.
func (st *Store) writeCopy(raw []byte) error {
	if err := os.MkdirAll(st.DataDir, 0o755); err != nil {
		return errors.WithMessage(err, "could not create data directory")
	}
	if err := os.WriteFile(st.tempPath(), raw, 0o644); err != nil {
		return errors.WithMessage(err, "could not stage settings copy")
	}
	return errors.WithMessage(os.Rename(st.tempPath(), st.copyPath()), "could not commit settings copy")
}
