// Package flight streams model values as framed rows and rebuilds them on
// the other side.
//
// A model is any tree of nil, bool, numbers, strings, []byte, time.Time,
// *big.Int, maps, slices, structs and pointers, plus the stream-aware
// values *thenable.Thenable, moduleloader.ClientReference and
// *ServerReference. The encoder outlines every container that is reached
// more than once into its own row and refers to it by id, so shared and
// cyclic structure survives the trip. The decoder keeps one Chunk per id;
// a reference to a row that has not arrived yet blocks its parent until
// the row shows up.
//
// Model rows carry JSON. Strings that start with '$' are reference tokens:
//
//	$<hex>        outlined model row
//	$@<hex>       row delivered later, decoded as *thenable.Thenable
//	$B<hex>       binary row
//	$I<hex>       client module row
//	$F<hex>       server reference row
//	$D<rfc3339>   time.Time
//	$n<digits>    *big.Int
//	$NaN, $Infinity, $-Infinity
//	$$...         literal string starting with '$'
package flight
