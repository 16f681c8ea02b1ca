// Package medimg holds the helpers shared by the medical image readers and
// writers: subject parsing, slice ordering, scan classification, geometry.
package medimg

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// idTrimSet is ASCII punctuation plus ASCII whitespace. Other runes are
// kept at the ends of a patient id.
const idTrimSet = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~ \t\n\r\v\f"

// ParsePatientID splits "subjcode@group/project". The subject code falls
// back to defaultSubjCode when the id does not carry one.
func ParsePatientID(patientID, defaultSubjCode string) (subj, group, project string) {
	id := strings.ToLower(strings.Trim(patientID, idTrimSet))
	var labInfo string
	if i := strings.LastIndex(id, "@"); i >= 0 {
		subj, labInfo = id[:i], id[i+1:]
	} else {
		labInfo = id
	}
	group, project, _ = strings.Cut(labInfo, "/")
	if subj == "" {
		subj = defaultSubjCode
	}
	log.WithFields(log.Fields{"subj": subj, "group": group, "project": project}).Debug("parsed patient id")
	return subj, group, project
}

var titleCaser = cases.Title(language.Und)

// ParsePatientName splits "Last^First" or "First Last" and title cases both.
func ParsePatientName(name string) (first, last string) {
	if strings.Contains(name, "^") {
		last, first, _ = strings.Cut(name, "^")
	} else if i := strings.LastIndex(name, " "); i >= 0 {
		first, last = name[:i], name[i+1:]
	} else {
		last = name
	}
	return titleCaser.String(strings.TrimSpace(first)), titleCaser.String(strings.TrimSpace(last))
}

var minDOB = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// ParsePatientDOB reads a YYYYMMDD date. Invalid dates and dates before 1900
// yield nil.
func ParsePatientDOB(dob string) *time.Time {
	t, err := time.Parse("20060102", strings.TrimSpace(dob))
	if err != nil || t.Before(minDOB) {
		return nil
	}
	return &t
}

var ageUnits = map[byte]int{'Y': 365, 'M': 30, 'W': 7, 'D': 1}

// ParsePatientAge converts a DICOM age string such as "070Y" or "10W".
func ParsePatientAge(age string) (time.Duration, error) {
	age = strings.ToUpper(strings.TrimSpace(age))
	if len(age) < 2 {
		return 0, errors.Errorf("invalid age %q", age)
	}
	days, ok := ageUnits[age[len(age)-1]]
	if !ok {
		return 0, errors.Errorf("invalid age unit in %q", age)
	}
	n, err := strconv.Atoi(age[:len(age)-1])
	if err != nil {
		return 0, errors.Wrapf(err, "invalid age %q", age)
	}
	return time.Duration(n*days) * 24 * time.Hour, nil
}
