// Package clixml implements the structured error-stream serialization used
// across the elevation boundary.
//
// When a child stage runs without an inherited console, its stderr carries a
// CLIXML document instead of plain text: a header line followed by an <Objs>
// element whose <S> children are stream records tagged with the stream they
// belong to (Error, Warning, Verbose, Debug, Info). Record text uses the
// _xHHHH_ escape convention for control characters.
//
//	#< CLIXML
//	<Objs Version="1.1.0.1" xmlns="..."><S S="Error">boom_x000D__x000A_</S></Objs>
//
// The decoder either yields discrete classified records or reports that the
// input is not CLIXML at all, in which case callers pass the raw text
// through verbatim rather than dropping it.
package clixml
