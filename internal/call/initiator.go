package call

// ShouldInitiate reports whether localID sends the offer to remoteID.
// The byte-wise smaller id initiates, so for two distinct ids exactly one
// side offers and glare cannot happen. Every peer-creation site goes
// through here.
func ShouldInitiate(localID, remoteID string) bool {
	return localID < remoteID
}
