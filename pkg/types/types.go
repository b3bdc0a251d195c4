package types

import "fmt"

// EventId identifies one kernel audit event. All records belonging to
// the same event carry the same triple.
type EventId struct {
	Seconds      uint64 `json:"sec"`
	Milliseconds uint32 `json:"msec"`
	Serial       uint64 `json:"serial"`
}

// Compare orders EventIds lexicographically on (sec, msec, serial).
func (id EventId) Compare(other EventId) int {
	switch {
	case id.Seconds < other.Seconds:
		return -1
	case id.Seconds > other.Seconds:
		return 1
	case id.Milliseconds < other.Milliseconds:
		return -1
	case id.Milliseconds > other.Milliseconds:
		return 1
	case id.Serial < other.Serial:
		return -1
	case id.Serial > other.Serial:
		return 1
	}
	return 0
}

func (id EventId) String() string {
	return fmt.Sprintf("%d.%03d:%d", id.Seconds, id.Milliseconds, id.Serial)
}

// Audit record type codes the pipeline treats specially. The full
// kernel table is much larger; unknown names pass through with code 0
// and the literal name preserved.
const (
	RecordTypeUnknown      uint32 = 0
	RecordTypeFirstUserMsg uint32 = 1100 // below this the record is kernel control traffic
	RecordTypeSyscall      uint32 = 1300
	RecordTypeEOE          uint32 = 1320 // end-of-event boundary
	RecordTypeReplace      uint32 = 1329 // audit daemon replaced, ignored
)

var recordTypeNames = map[string]uint32{
	"USER_AUTH":          1100,
	"USER_ACCT":          1101,
	"USER_MGMT":          1102,
	"CRED_ACQ":           1103,
	"CRED_DISP":          1104,
	"USER_START":         1105,
	"USER_END":           1106,
	"USER_AVC":           1107,
	"USER_CHAUTHTOK":     1108,
	"USER_ERR":           1109,
	"CRED_REFR":          1110,
	"USYS_CONFIG":        1111,
	"USER_LOGIN":         1112,
	"USER_LOGOUT":        1113,
	"ADD_USER":           1114,
	"DEL_USER":           1115,
	"ADD_GROUP":          1116,
	"DEL_GROUP":          1117,
	"DAC_CHECK":          1118,
	"CHGRP_ID":           1119,
	"TEST":               1120,
	"TRUSTED_APP":        1121,
	"USER_SELINUX_ERR":   1122,
	"USER_CMD":           1123,
	"USER_TTY":           1124,
	"CHUSER_ID":          1125,
	"GRP_AUTH":           1126,
	"SYSTEM_BOOT":        1127,
	"SYSTEM_SHUTDOWN":    1128,
	"SYSTEM_RUNLEVEL":    1129,
	"SERVICE_START":      1130,
	"SERVICE_STOP":       1131,
	"GRP_MGMT":           1132,
	"GRP_CHAUTHTOK":      1133,
	"DAEMON_START":       1200,
	"DAEMON_END":         1201,
	"DAEMON_ABORT":       1202,
	"DAEMON_CONFIG":      1203,
	"DAEMON_ROTATE":      1204,
	"DAEMON_RESUME":      1205,
	"DAEMON_ACCEPT":      1206,
	"DAEMON_CLOSE":       1207,
	"SYSCALL":            1300,
	"PATH":               1302,
	"IPC":                1303,
	"SOCKETCALL":         1304,
	"CONFIG_CHANGE":      1305,
	"SOCKADDR":           1306,
	"CWD":                1307,
	"EXECVE":             1309,
	"IPC_SET_PERM":       1311,
	"MQ_OPEN":            1312,
	"MQ_SENDRECV":        1313,
	"MQ_NOTIFY":          1314,
	"MQ_GETSETATTR":      1315,
	"KERNEL_OTHER":       1316,
	"FD_PAIR":            1317,
	"OBJ_PID":            1318,
	"TTY":                1319,
	"EOE":                1320,
	"BPRM_FCAPS":         1321,
	"CAPSET":             1322,
	"MMAP":               1323,
	"NETFILTER_PKT":      1324,
	"NETFILTER_CFG":      1325,
	"SECCOMP":            1326,
	"PROCTITLE":          1327,
	"FEATURE_CHANGE":     1328,
	"REPLACE":            1329,
	"KERN_MODULE":        1330,
	"FANOTIFY":           1331,
	"AVC":                1400,
	"SELINUX_ERR":        1401,
	"AVC_PATH":           1402,
	"MAC_POLICY_LOAD":    1403,
	"MAC_STATUS":         1404,
	"MAC_CONFIG_CHANGE":  1405,
	"ANOM_PROMISCUOUS":   1700,
	"ANOM_ABEND":         1701,
	"ANOM_LINK":          1702,
	"INTEGRITY_DATA":     1800,
	"INTEGRITY_METADATA": 1801,
	"INTEGRITY_STATUS":   1802,
	"INTEGRITY_HASH":     1803,
	"INTEGRITY_PCR":      1804,
	"INTEGRITY_RULE":     1805,
	"KERNEL":             2000,
}

var recordTypeCodes map[uint32]string

func init() {
	recordTypeCodes = make(map[uint32]string, len(recordTypeNames))
	for name, code := range recordTypeNames {
		recordTypeCodes[code] = name
	}
}

// RecordTypeCode looks up the numeric type code for a record type
// name. Unknown names return RecordTypeUnknown.
func RecordTypeCode(name string) uint32 {
	return recordTypeNames[name]
}

// RecordTypeName looks up the canonical name for a type code. Unknown
// codes return the empty string.
func RecordTypeName(code uint32) string {
	return recordTypeCodes[code]
}

// Field is one name=value pair parsed out of a record. The strings
// are views into one string copy of the record's bytes, made once
// per record; they do not point into Raw.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Record is one parsed audit record. Raw retains the source bytes;
// Node, TypeName and the Fields share one string copy of them.
type Record struct {
	Node     string  `json:"node,omitempty"`
	TypeCode uint32  `json:"type_code"`
	TypeName string  `json:"type_name"`
	EventId  EventId `json:"event_id"`
	Fields   []Field `json:"fields"`
	Raw      []byte  `json:"-"`
}

// Event is a group of records sharing one EventId, in arrival order.
type Event struct {
	EventId  EventId   `json:"event_id"`
	Records  []*Record `json:"records"`
	Complete bool      `json:"complete"`
}
