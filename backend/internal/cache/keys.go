package cache

import "fmt"

// Key layout:
// - noteKey(owner, id):   cached note JSON or the null marker (String, TTL)
// - devicesKey(owner):    live relay connections (ZSET<connID>, score=expireAt)
// - deviceNamesKey(owner): connID -> device label (Hash)
//
// The owner id sits in a hash tag so one user's keys share a cluster slot.
const (
	keyNoteFmt        = "note:{owner:%d}:%s"
	keyDevicesFmt     = "presence:{owner:%d}:devices"
	keyDeviceNamesFmt = "presence:{owner:%d}:names"
)

func noteKey(ownerID uint64, noteID string) string {
	return fmt.Sprintf(keyNoteFmt, ownerID, noteID)
}
func devicesKey(ownerID uint64) string     { return fmt.Sprintf(keyDevicesFmt, ownerID) }
func deviceNamesKey(ownerID uint64) string { return fmt.Sprintf(keyDeviceNamesFmt, ownerID) }
