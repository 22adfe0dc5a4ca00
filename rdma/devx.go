package rdma

// ObjTypeReservedQPN is the general object type of a reserved QPN range.
const ObjTypeReservedQPN = 0x2c

// HCACaps holds the general device capabilities read with QUERY_HCA_CAP.
type HCACaps struct {
	GeneralObjTypes uint64
}

// SupportsObjType reports whether the general object type bit is set.
func (c HCACaps) SupportsObjType(objType uint) bool {
	return objType < 64 && c.GeneralObjTypes&(uint64(1)<<objType) != 0
}

// HCACaps2 holds the second general capability page.
type HCACaps2 struct {
	LogReservedQPNGranularity uint8
	LogMaxNumReservedQPN      uint8
}

// DevXObject is a firmware object created through DevX commands.
type DevXObject interface {
	Destroy() error
}

// DevX is implemented by devices that accept direct firmware commands.
// Callers must check DevXSupported before issuing any command.
type DevX interface {
	DevXSupported() bool
	QueryHCACaps() (HCACaps, error)
	QueryHCACaps2() (HCACaps2, error)
	// CreateReservedQPN allocates 2^logRange reserved QP numbers. The
	// syndrome is the firmware failure code and is meaningful only when err
	// is non-nil.
	CreateReservedQPN(logRange uint8) (obj DevXObject, firstQPN uint32, syndrome uint32, err error)
}
