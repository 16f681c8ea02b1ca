package dicom

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// composer holds the manufacturer and SOP class specific steps of a read.
type composer interface {
	name() string

	// parseOne parses what a single header reveals
	parseOne(s *series) error

	// parseAll parses what needs every file of the series
	parseAll(s *series) error

	// convert builds the data
	convert(s *series) error
}

var supportedManufacturers = map[string]string{
	"GE MEDICAL SYSTEMS": "ge",
	"SIEMENS":            "siemens",
}

var supportedSOPClasses = map[string]string{
	"1.2.840.10008.5.1.4.1.1.4":     "mr",
	"1.2.840.10008.5.1.4.1.1.7":     "sc",
	"1.3.12.2.1107.5.9.1":           "syngo_csa",
	"1.2.840.10008.5.1.4.1.1.88.22": "enhanced_sr",
	"1.2.840.10008.5.1.4.1.1.128":   "pet",
}

var composers = map[string]composer{
	"mr.ge":               geMR{},
	"mr.siemens":          siemensMR{},
	"sc.ge":               geSC{},
	"sc.siemens":          siemensSC{},
	"enhanced_sr.siemens": siemensEnhancedSR{},
}

// lookupComposer picks the composer for a SOP class and manufacturer, or
// one that only keeps the basic information.
func lookupComposer(sopClassUID, manufacturer string) composer {
	key := supportedSOPClasses[sopClassUID] + "." + supportedManufacturers[strings.TrimSpace(manufacturer)]
	if c, ok := composers[key]; ok {
		return c
	}
	log.Warnf("no composer for %s, parsing basic info only", key)
	return basic{}
}

// basic parses nothing beyond the common header fields and produces no data.
type basic struct{}

func (basic) name() string           { return "basic" }
func (basic) parseOne(*series) error { return nil }
func (basic) parseAll(*series) error { return nil }
func (basic) convert(s *series) error {
	s.ds.Data = nil
	return nil
}
