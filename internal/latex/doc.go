// Package latex builds runners for LaTeX documents.
//
// A target key is a path to a .tex file. Every runner of a target works in
// its own temporary directory below the output directory, named after the
// time it was created:
//
//	<dir of the .tex file>/out/13-04-59(4821)
//
// The compiler command is a template. With the default one the runner copies
// previous results into the temporary directory, runs the engine there until
// it pauses at the checkpoint and copies the results back once resumed. A
// runner becomes stale when the .tex file changes after it was started.
package latex
