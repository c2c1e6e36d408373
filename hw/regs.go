package hw

// Registers shared by all ports.
const (
	// SMI is the MII management register.
	SMI = 0x2004

	// Address decoding windows.
	WindowBase       = 0x2200 // + 8*n
	WindowSize       = 0x2204 // + 8*n
	WindowEnable     = 0x2290 // bit n clear enables window n
	WindowAccessProt = 0x2294 // + 4*port
	NumWindows       = 6

	// MIBBase is the first MIB counter of port 0.
	MIBBase   = 0x3000
	MIBStride = 0x80
)

// Per port registers. Offsets are relative to PortOffset(port).
const (
	PortConfig          = 0x2400
	PortConfigExt       = 0x2404
	MACAddrLow          = 0x2414
	MACAddrHigh         = 0x2418
	SDMAConfig          = 0x241c
	PortSerialControl   = 0x243c
	PortStatus          = 0x2444
	TxQueueCommand      = 0x2448
	IntCause            = 0x2460
	IntCauseExt         = 0x2464
	IntMask             = 0x2468
	IntMaskExt          = 0x246c
	RxCurrentDesc       = 0x260c // + 0x10*queue
	RxQueueCommand      = 0x2680
	TxCurrentServedDesc = 0x2684
	TxCurrentDesc       = 0x26c0 // + 4*queue
	SpecialMcastTable   = 0x3400
	OtherMcastTable     = 0x3500
	UnicastTable        = 0x3600

	McastTableRegs   = 64
	UnicastTableRegs = 4
)

// PortOffset returns the distance of port's registers from port 0's.
func PortOffset(port int) uint32 {
	return uint32(port) << 10
}

// PortConfig bits.
const (
	PortConfigUnicastPromisc = 1 << 0
)

// SDMAConfig value: 16 word bursts in both directions, big endian
// descriptors and buffers, receive interrupt coalescing off.
const (
	SDMARxBurst16   = 4 << 1
	SDMARxNoSwap    = 1 << 4
	SDMATxNoSwap    = 1 << 5
	SDMATxBurst16   = 4 << 22
	SDMAConfigValue = SDMARxBurst16 | SDMATxBurst16
)

// PortStatus bits.
const (
	StatusLinkUp      = 1 << 1
	StatusFullDuplex  = 1 << 2
	StatusSpeed1000   = 1 << 4
	StatusSpeed100    = 1 << 5
	StatusTxInProg    = 1 << 7
	StatusTxFIFOEmpty = 1 << 10
)

// Queue command bits for queue 0.
const (
	TxStart   = 1 << 0
	TxStop    = 1 << 8
	RxStart   = 1 << 0
	RxAny     = 0x00ff
	RxStopAll = 0xff00
)

// PortSerialControl bits.
const (
	SerialPortEnable        = 1 << 0
	SerialForceLinkPass     = 1 << 1
	SerialNoAutoNegDuplex   = 1 << 2
	SerialNoAutoNegFC       = 1 << 3
	SerialAdvertisePause    = 1 << 4
	SerialForceBPMode       = 1 << 7
	SerialReserved          = 1 << 9
	SerialNoAutoNegSpeed    = 1 << 13
	SerialMRU1522           = 1 << 17
	SerialMRUMask           = 7 << 17
	SerialFullDuplex        = 1 << 21
	SerialGMIISpeed1000     = 1 << 23
	SerialMIISpeed100       = 1 << 24
	SerialSpeedDuplexMask   = SerialFullDuplex | SerialGMIISpeed1000 | SerialMIISpeed100
	SerialAutoNegDisableAll = SerialNoAutoNegDuplex | SerialNoAutoNegSpeed
)

// Main interrupt cause bits.
const (
	IrqExtSummary = 1 << 1
	IrqRxBuffer   = 1 << 2 // queue 0
	IrqRxError    = 1 << 11
	IrqTxEnd      = 1 << 19
)

// Extended interrupt cause bits.
const (
	IrqExtTxBuffer    = 1 << 0 // queue 0
	IrqExtTxError     = 1 << 8
	IrqExtPhyStatus   = 1 << 16
	IrqExtRxOverrun   = 1 << 18
	IrqExtTxUnderrun  = 1 << 19
	IrqExtLinkChange  = 1 << 20
	IrqExtInternalAdr = 1 << 23
)

// SMI bits.
const (
	SMIDataMask  = 0xffff
	SMIPhyShift  = 16
	SMIRegShift  = 21
	SMIOpRead    = 1 << 26
	SMIReadValid = 1 << 27
	SMIBusy      = 1 << 28
)

// Window attributes. Target DRAM chip select 0, with or without write back
// snooping.
const (
	WindowTargetDRAM = 0x0
	WindowAttrCS0    = 0xe << 8
	WindowAttrSnoop  = 0x3 << 12
	WindowFullAccess = 0x3
)
