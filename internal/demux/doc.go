// Package demux segments raw HEVC elementary streams (Annex B, 4-byte start
// codes) into access units and extracts the decoder configuration a player
// needs before the first frame.
//
// The central function is [SplitAccessUnits], which returns byte ranges into
// the caller's buffer rather than copies. [DetectVideoInfo] and
// [ParseHEVCSPS] read the parameter sets for codec string and resolution.
package demux
