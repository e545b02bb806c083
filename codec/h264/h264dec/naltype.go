package h264dec

// NAL unit type codes, ITU-T H.264 Table 7-1.
const (
	NALTypeNonIDR              = 1
	NALTypeDataPartitionA      = 2
	NALTypeDataPartitionB      = 3
	NALTypeDataPartitionC      = 4
	NALTypeIDR                 = 5
	NALTypeSEI                 = 6
	NALTypeSPS                 = 7
	NALTypePPS                 = 8
	NALTypeAccessUnitDelimiter = 9
	NALTypeEndOfSequence       = 10
	NALTypeEndOfStream         = 11
	NALTypeFillerData          = 12
	NALTypeSPSExtension        = 13
	NALTypePrefix              = 14
	NALTypeSubsetSPS           = 15
)
