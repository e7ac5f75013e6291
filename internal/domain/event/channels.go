package event

import "strings"

// Fan-out channel namespaces.
const (
	NamespaceAttendance  = "attendance"
	NamespaceExamResults = "examResults"
)

// ChannelKey joins a namespace and an entity id: "attendance:C1".
func ChannelKey(namespace, entityID string) string {
	return namespace + ":" + entityID
}

func AttendanceChannel(classSectionID string) string {
	return ChannelKey(NamespaceAttendance, classSectionID)
}

func ExamResultsChannel(studentID string) string {
	return ChannelKey(NamespaceExamResults, studentID)
}

// SplitChannelKey is the inverse of ChannelKey.
func SplitChannelKey(key string) (namespace, entityID string, ok bool) {
	namespace, entityID, ok = strings.Cut(key, ":")
	if !ok || namespace == "" || entityID == "" {
		return "", "", false
	}
	return namespace, entityID, true
}
