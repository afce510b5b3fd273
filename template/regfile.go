package template

import (
	"fmt"

	"github.com/frobware/go-ufp/portdb"
)

// RF indexes the per-install register file.
type RF uint16

const (
	RFInvalid RF = iota
	// Seeded before the walk.
	RFClassTID
	RFActTID
	RFWCPriority
	RFFlowSigID
	RFFlowID

	// Written by generic-table reads and control rows.
	RFGenericTblMiss
	RFCacheFlowSig
	RFCC
	RFActionReuse

	RFL2CntxtID0
	RFL2CntxtTCAMIndex
	RFL2RID
	RFProfFuncID
	RFEMProfileID
	RFProfTCAMIndex
	RFProfRID
	RFRID
	RFMainActionPtr
	RFFlowCntrPtr
	RFEMHandle
	RFEMKeyRecipe
	RFBypassTCAMIndex
	NumRF
)

var rfNames = [NumRF]string{
	RFInvalid:          "INVALID",
	RFClassTID:         "CLASS_TID",
	RFActTID:           "ACT_TID",
	RFWCPriority:       "WC_PRIORITY",
	RFFlowSigID:        "FLOW_SIG_ID",
	RFFlowID:           "FLOW_ID",
	RFGenericTblMiss:   "GENERIC_TBL_MISS",
	RFCacheFlowSig:     "CACHE_FLOW_SIG",
	RFCC:               "CC",
	RFActionReuse:      "ACTION_REUSE",
	RFL2CntxtID0:       "L2_CNTXT_ID_0",
	RFL2CntxtTCAMIndex: "L2_CNTXT_TCAM_INDEX",
	RFL2RID:            "L2_RID",
	RFProfFuncID:       "PROF_FUNC_ID",
	RFEMProfileID:      "EM_PROFILE_ID",
	RFProfTCAMIndex:    "PROF_TCAM_INDEX",
	RFProfRID:          "PROF_RID",
	RFRID:              "RID",
	RFMainActionPtr:    "MAIN_ACTION_PTR",
	RFFlowCntrPtr:      "FLOW_CNTR_PTR",
	RFEMHandle:         "EM_HANDLE",
	RFEMKeyRecipe:      "EM_KEY_RECIPE",
	RFBypassTCAMIndex:  "BYPASS_TCAM_INDEX",
}

func (r RF) String() string {
	if r < NumRF {
		return rfNames[r]
	}
	return fmt.Sprintf("RF(%d)", uint16(r))
}

// GlbRF indexes the process-wide register file.
type GlbRF uint16

const (
	GlbRFInvalid GlbRF = iota
	GlbRFProfFuncRX
	GlbRFProfFuncTX
	NumGlbRF
)

func (g GlbRF) String() string {
	switch g {
	case GlbRFProfFuncRX:
		return "GLB_PROF_FUNC_RX"
	case GlbRFProfFuncTX:
		return "GLB_PROF_FUNC_TX"
	default:
		return fmt.Sprintf("GlbRF(%d)", uint16(g))
	}
}

// CF is a computed field: a value derived from the rule and the port
// database rather than from a header.
type CF uint16

const (
	CFInvalid CF = iota
	CFPortSVIF
	CFPortParif
	CFPortVNIC
	CFPhyPortSVIF
	CFPhyPortParif
	CFDrvFuncSVIF
	CFDrvFuncParif
	CFDrvFuncVNIC
	CFVFFuncSVIF
	CFVFFuncVNIC
	CFMatchPortIsVFRep
	CFPortIDMeta
	// The rest come from the rule itself.
	CFPortID
	CFFunctionID
	CFDirection
	CFNumVTags
	CFAppPriority
	CFHdrBitmap
	CFFieldBitmap
	CFActBitmap
	NumCF
)

var cfPortFields = map[CF]portdb.Field{
	CFPortSVIF:         portdb.PortSVIF,
	CFPortParif:        portdb.PortParif,
	CFPortVNIC:         portdb.PortVNIC,
	CFPhyPortSVIF:      portdb.PhyPortSVIF,
	CFPhyPortParif:     portdb.PhyPortParif,
	CFDrvFuncSVIF:      portdb.DrvFuncSVIF,
	CFDrvFuncParif:     portdb.DrvFuncParif,
	CFDrvFuncVNIC:      portdb.DrvFuncVNIC,
	CFVFFuncSVIF:       portdb.VFFuncSVIF,
	CFVFFuncVNIC:       portdb.VFFuncVNIC,
	CFMatchPortIsVFRep: portdb.MatchPortIsVFRep,
	CFPortIDMeta:       portdb.PortIDMeta,
}

// PortField returns the port-database field behind c, if c is one.
func (c CF) PortField() (portdb.Field, bool) {
	f, ok := cfPortFields[c]
	return f, ok
}

func (c CF) String() string {
	if f, ok := c.PortField(); ok {
		return f.String()
	}
	switch c {
	case CFPortID:
		return "PORT_ID"
	case CFFunctionID:
		return "FUNCTION_ID"
	case CFDirection:
		return "DIRECTION"
	case CFNumVTags:
		return "NUM_VTAGS"
	case CFAppPriority:
		return "APP_PRIORITY"
	case CFHdrBitmap:
		return "HDR_BITMAP"
	case CFFieldBitmap:
		return "FIELD_BITMAP"
	case CFActBitmap:
		return "ACT_BITMAP"
	default:
		return fmt.Sprintf("CF(%d)", uint16(c))
	}
}
