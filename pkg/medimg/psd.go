package medimg

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"nimsdata/internal/models"
)

// Scan types.
const (
	ScanSpectroscopy = "spectroscopy"
	ScanPerfusion    = "perfusion"
	ScanShim         = "shim"
	ScanDiffusion    = "diffusion"
	ScanFieldmap     = "fieldmap"
	ScanFunctional   = "functional"
	ScanCalibration  = "calibration"
	ScanLocalizer    = "localizer"
	ScanAnatomyT1w   = "anatomy_t1w"
	ScanAnatomyT2w   = "anatomy_t2w"
	ScanAnatomy      = "anatomy"
	ScanScreenshot   = "screenshot"
	ScanUnknown      = "unknown"
)

// InferGEPSDType classifies a GE pulse sequence by its name.
func InferGEPSDType(psdName string) string {
	name := psdName
	var psdType string
	switch {
	case name == "":
		psdType = "unknown"
	case strings.Contains(name, "service"):
		psdType = "service"
	case name == "sprt":
		psdType = "spiral"
	case name == "sprl_hos":
		psdType = "hoshim"
	case name == "basic":
		psdType = "basic"
	case strings.Contains(name, "mux") || strings.Contains(name, "mb_"):
		psdType = "muxepi"
	case strings.Contains(name, "epi"):
		psdType = "epi"
	case name == "probe-mega" || name == "gaba_ss_cni" || name == "gaba_special":
		psdType = "mrs"
	case strings.HasPrefix(name, "special_siam") || strings.HasPrefix(name, "mega_special"):
		psdType = "mrs"
	case name == "asl":
		psdType = "asl"
	case name == "bravo" || name == "3dgrass":
		psdType = "spgr"
	case strings.Contains(name, "fgre"):
		// also catches efgre3d
		psdType = "gre"
	case name == "ssfse":
		psdType = "fse"
	case name == "cube":
		psdType = "cube"
	case strings.HasSuffix(name, "b1map"):
		psdType = "fieldmap"
	default:
		psdType = "unknown"
	}
	log.WithField("psd_name", psdName).Debugf("psd type %s", psdType)
	return psdType
}

var siemensPSDTypes = map[string]string{
	`siemensseq%\tse_vfl`:                               "tse",
	`siemensseq%\ep2d_diff`:                             "epi",
	`siemensseq%\ep2d_bold`:                             "epi",
	`siemensseq%\ep2d_asl`:                              "asl",
	`siemensseq%\gre`:                                   "gre",
	`siemensseq%\tfl`:                                   "tfl",
	`siemensseq%\gre_field_mapping`:                     "gre",
	`serviceseq%\rf_noise`:                              "service",
	`customerseq%\wip711_moco\tfl_multiecho_epinav_711`: "tfl",
}

// InferSiemensPSDType classifies a Siemens sequence by its tSequenceFileName,
// lowercased with the leading '%' removed.
func InferSiemensPSDType(psdName string) string {
	psdType := "unknown"
	if t, ok := siemensPSDTypes[psdName]; ok {
		psdType = t
	} else if strings.HasPrefix(psdName, `customerseq%\ep2d_pasl`) {
		psdType = "asl"
	} else if strings.HasPrefix(psdName, `customerseq%\ep2d`) {
		psdType = "epi"
	}
	log.WithField("psd_name", psdName).Debugf("psd type %s", psdType)
	return psdType
}

// InferScanType classifies an MR acquisition from its metadata. The first
// matching rule wins.
func InferScanType(ds *models.Dataset) string {
	fov, mm := ds.FOV(), ds.MMPerVox()
	var scanType string
	switch {
	case ds.IsDWI:
		scanType = ScanDiffusion
	case ds.IsLocalizer:
		scanType = ScanLocalizer
	case ds.PSDType == "mrs":
		scanType = ScanSpectroscopy
	case ds.PSDType == "asl":
		scanType = ScanPerfusion
	case ds.PSDType == "hoshim":
		scanType = ScanShim
	case ds.PSDType == "spiral" && ds.NumTimepoints == 2 && ds.TE < .05:
		scanType = ScanFieldmap
	case strings.Contains(ds.PSDType, "epi") && ds.TE > .02 && ds.TE < .05 && ds.NumTimepoints > 2:
		scanType = ScanFunctional
	case (ds.PSDType == "gre" || ds.PSDType == "fse") && fov[0] >= 240 && fov[1] >= 240 && mm[2] >= 4.5:
		// low-res calibration scans (ASSET cal) look like this too
		if mm[0] >= 2 {
			scanType = ScanCalibration
		} else {
			scanType = ScanLocalizer
		}
	case ds.PSDType == "spgr" || ds.PSDType == "tfl":
		scanType = ScanAnatomyT1w
	case ds.PSDType == "cube":
		scanType = ScanAnatomyT2w
	default:
		scanType = ScanUnknown
	}
	log.Debugf("scan type %s", scanType)
	return scanType
}
