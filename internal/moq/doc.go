// Package moq is the wire codec for MoQ Transport (draft-ietf-moq-transport-15)
// as spoken by loopcast: control messages for both the publisher and the
// subscriber side, subgroup data streams, and the LOC object extensions that
// carry capture time and key/delta marking for each access unit.
//
// Session state and relay logic live in the distribution package.
package moq
